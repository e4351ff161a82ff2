package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ds1/outreach/internal/models"
	"github.com/google/uuid"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create creates a new campaign
func (r *CampaignRepository) Create(c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}

	_, err := r.db.Exec(`
		INSERT INTO campaigns (id, name, description, status, channel, timezone, send_days, send_hour_start, send_hour_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, c.Status, c.Channel, c.Timezone, c.SendDays, c.SendHourStart, c.SendHourEnd, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	c := &models.Campaign{}
	var startedAt sql.NullTime
	err := r.db.QueryRow(`
		SELECT id, name, description, status, channel, timezone, send_days, send_hour_start, send_hour_end,
			total_enrolled, total_sent, total_opened, total_clicked, total_replied, total_converted,
			started_at, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.Status, &c.Channel, &c.Timezone, &c.SendDays, &c.SendHourStart, &c.SendHourEnd,
		&c.TotalEnrolled, &c.TotalSent, &c.TotalOpened, &c.TotalClicked, &c.TotalReplied, &c.TotalConverted,
		&startedAt, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	return c, nil
}

// List returns campaigns with optional filtering
func (r *CampaignRepository) List(filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	countQuery := "SELECT COUNT(*) FROM campaigns WHERE 1=1"
	args := []any{}

	if filter.Status != "" {
		countQuery += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		countQuery += " AND (name LIKE ? OR description LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	var total int
	if err := r.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, name, description, status, channel, timezone, send_days, send_hour_start, send_hour_end,
			total_enrolled, total_sent, total_opened, total_clicked, total_replied, total_converted,
			started_at, created_at, updated_at
		FROM campaigns WHERE 1=1`

	args = []any{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		query += " AND (name LIKE ? OR description LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	query += " ORDER BY updated_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		var c models.Campaign
		var startedAt sql.NullTime
		err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Status, &c.Channel, &c.Timezone, &c.SendDays, &c.SendHourStart, &c.SendHourEnd,
			&c.TotalEnrolled, &c.TotalSent, &c.TotalOpened, &c.TotalClicked, &c.TotalReplied, &c.TotalConverted,
			&startedAt, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, 0, err
		}
		if startedAt.Valid {
			c.StartedAt = &startedAt.Time
		}
		campaigns = append(campaigns, c)
	}

	return campaigns, total, nil
}

// ListByStatus returns all campaigns in the given status
func (r *CampaignRepository) ListByStatus(status models.CampaignStatus) ([]models.Campaign, error) {
	campaigns, _, err := r.List(models.CampaignListFilter{Status: status})
	return campaigns, err
}

// Update updates a campaign's editable fields
func (r *CampaignRepository) Update(c *models.Campaign) error {
	c.UpdatedAt = time.Now()
	_, err := r.db.Exec(`
		UPDATE campaigns SET name = ?, description = ?, channel = ?, timezone = ?, send_days = ?, send_hour_start = ?, send_hour_end = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Description, c.Channel, c.Timezone, c.SendDays, c.SendHourStart, c.SendHourEnd, c.UpdatedAt, c.ID,
	)
	return err
}

// Delete deletes a campaign
func (r *CampaignRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM campaigns WHERE id = ?", id)
	return err
}

// TransitionStatus moves a campaign to a new status only if its current
// status is one of from. The guard runs inside a single UPDATE so
// concurrent transitions cannot both win. Returns false when no row
// matched, meaning the transition was not allowed.
func (r *CampaignRepository) TransitionStatus(id string, from []models.CampaignStatus, to models.CampaignStatus) (bool, error) {
	placeholders := strings.Repeat("?, ", len(from))
	placeholders = strings.TrimSuffix(placeholders, ", ")

	args := []any{to, time.Now(), id}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := r.db.Exec(
		"UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetStartedAt records the first activation time. Later activations keep the
// original timestamp.
func (r *CampaignRepository) SetStartedAt(id string, t time.Time) error {
	_, err := r.db.Exec("UPDATE campaigns SET started_at = ? WHERE id = ? AND started_at IS NULL", t, id)
	return err
}

// IncrementCounter atomically bumps one of the campaign aggregate counters
func (r *CampaignRepository) IncrementCounter(id, counter string) error {
	switch counter {
	case "total_enrolled", "total_sent", "total_opened", "total_clicked", "total_replied", "total_converted":
	default:
		return fmt.Errorf("unknown campaign counter: %s", counter)
	}
	_, err := r.db.Exec("UPDATE campaigns SET "+counter+" = "+counter+" + 1 WHERE id = ?", id)
	return err
}

// AddStep appends a step to a campaign
func (r *CampaignRepository) AddStep(s *models.Step) error {
	s.ID = uuid.New().String()
	s.CreatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO campaign_steps (id, campaign_id, step_index, channel, template_id, delay_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CampaignID, s.StepIndex, s.Channel, s.TemplateID, s.DelayDays, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add step: %w", err)
	}
	return nil
}

// GetSteps returns a campaign's steps ordered by step index
func (r *CampaignRepository) GetSteps(campaignID string) ([]models.Step, error) {
	rows, err := r.db.Query(`
		SELECT id, campaign_id, step_index, channel, template_id, delay_days, created_at
		FROM campaign_steps
		WHERE campaign_id = ?
		ORDER BY step_index`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []models.Step{}
	for rows.Next() {
		var s models.Step
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.StepIndex, &s.Channel, &s.TemplateID, &s.DelayDays, &s.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}

	return steps, nil
}

// GetStep returns one step of a campaign by index
func (r *CampaignRepository) GetStep(campaignID string, stepIndex int) (*models.Step, error) {
	s := &models.Step{}
	err := r.db.QueryRow(`
		SELECT id, campaign_id, step_index, channel, template_id, delay_days, created_at
		FROM campaign_steps
		WHERE campaign_id = ? AND step_index = ?`, campaignID, stepIndex,
	).Scan(&s.ID, &s.CampaignID, &s.StepIndex, &s.Channel, &s.TemplateID, &s.DelayDays, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DeleteSteps removes all steps of a campaign
func (r *CampaignRepository) DeleteSteps(campaignID string) error {
	_, err := r.db.Exec("DELETE FROM campaign_steps WHERE campaign_id = ?", campaignID)
	return err
}
