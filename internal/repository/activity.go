package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ds1/outreach/internal/models"
	"github.com/google/uuid"
)

type ActivityRepository struct {
	db *sql.DB
}

func NewActivityRepository(db *sql.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Create appends an activity record
func (r *ActivityRepository) Create(a *models.Activity) error {
	a.ID = uuid.New().String()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO activities (id, contact_id, campaign_id, kind, step_index, provider_id, rule_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ContactID, nullable(a.CampaignID), a.Kind, a.StepIndex, nullable(a.ProviderID), nullable(a.RuleID), nullable(a.Metadata), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create activity: %w", err)
	}
	return nil
}

// nullable maps "" to NULL so optional references satisfy their foreign keys
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const activityColumns = "id, contact_id, campaign_id, kind, step_index, provider_id, rule_id, metadata, created_at"

func scanActivity(scan func(...any) error) (*models.Activity, error) {
	a := &models.Activity{}
	var campaignID, providerID, ruleID, metadata sql.NullString
	err := scan(&a.ID, &a.ContactID, &campaignID, &a.Kind, &a.StepIndex, &providerID, &ruleID, &metadata, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.CampaignID = campaignID.String
	a.ProviderID = providerID.String
	a.RuleID = ruleID.String
	a.Metadata = metadata.String
	return a, nil
}

// List returns activities matching the filter, newest first
func (r *ActivityRepository) List(filter models.ActivityFilter) ([]*models.Activity, error) {
	query := "SELECT " + activityColumns + " FROM activities WHERE 1=1"
	args := []any{}

	if filter.ContactID != "" {
		query += " AND contact_id = ?"
		args = append(args, filter.ContactID)
	}
	if filter.CampaignID != "" {
		query += " AND campaign_id = ?"
		args = append(args, filter.CampaignID)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}

	query += " ORDER BY created_at DESC"

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
		return nil, err
	}
	defer rows.Close()

	activities := []*models.Activity{}
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}

	return activities, nil
}

// SendExists reports whether a *_sent activity was already recorded for the
// (campaign, step, contact) triple. This is the exactly-once check dispatch
// workers run before calling a provider.
func (r *ActivityRepository) SendExists(campaignID string, stepIndex int, contactID string, kind models.ActivityKind) (bool, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM activities
		WHERE campaign_id = ? AND step_index = ? AND contact_id = ? AND kind = ?`,
		campaignID, stepIndex, contactID, kind,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetByProviderID returns the *_sent activity carrying the given provider
// identifier. Webhook events correlate back to their send through it, so the
// lookup must skip the callback records that reuse the same provider id.
func (r *ActivityRepository) GetByProviderID(providerID string) (*models.Activity, error) {
	row := r.db.QueryRow(`
		SELECT `+activityColumns+` FROM activities
		WHERE provider_id = ? AND kind IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		providerID, models.ActivityMessageSent, models.ActivityVoiceSent,
	)
	a, err := scanActivity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// LatestEscalation returns the most recent escalation_triggered record for a
// rule and contact pair, or nil if the rule never fired for the contact.
func (r *ActivityRepository) LatestEscalation(ruleID, contactID string) (*models.Activity, error) {
	row := r.db.QueryRow(`
		SELECT `+activityColumns+` FROM activities
		WHERE kind = ? AND rule_id = ? AND contact_id = ?
		ORDER BY created_at DESC LIMIT 1`,
		models.ActivityEscalation, ruleID, contactID,
	)
	a, err := scanActivity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CountSinceByKind counts activities of a kind for a contact since a cutoff
func (r *ActivityRepository) CountSinceByKind(contactID string, kind models.ActivityKind, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM activities WHERE contact_id = ? AND kind = ? AND created_at >= ?",
		contactID, kind, since,
	).Scan(&n)
	return n, err
}
