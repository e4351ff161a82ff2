package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ds1/outreach/internal/models"
	"github.com/google/uuid"
)

type EscalationRepository struct {
	db *sql.DB
}

func NewEscalationRepository(db *sql.DB) *EscalationRepository {
	return &EscalationRepository{db: db}
}

// Create creates a new escalation rule
func (r *EscalationRepository) Create(rule *models.EscalationRule) error {
	rule.ID = uuid.New().String()
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO escalation_rules (id, name, active, trigger_type, threshold_days, engagement_threshold, cooldown_hours, actions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.Active, rule.TriggerType, rule.ThresholdDays, rule.EngagementThreshold, rule.CooldownHours, rule.Actions, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create escalation rule: %w", err)
	}
	return nil
}

const ruleColumns = "id, name, active, trigger_type, threshold_days, engagement_threshold, cooldown_hours, actions, created_at, updated_at"

func scanRule(scan func(...any) error) (*models.EscalationRule, error) {
	rule := &models.EscalationRule{}
	var actions sql.NullString
	err := scan(&rule.ID, &rule.Name, &rule.Active, &rule.TriggerType, &rule.ThresholdDays,
		&rule.EngagementThreshold, &rule.CooldownHours, &actions, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.Actions = actions.String
	return rule, nil
}

// GetByID returns a rule by ID
func (r *EscalationRepository) GetByID(id string) (*models.EscalationRule, error) {
	row := r.db.QueryRow("SELECT "+ruleColumns+" FROM escalation_rules WHERE id = ?", id)
	rule, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// List returns all rules
func (r *EscalationRepository) List() ([]*models.EscalationRule, error) {
	return r.list("SELECT " + ruleColumns + " FROM escalation_rules ORDER BY created_at")
}

// ListActive returns rules that may fire
func (r *EscalationRepository) ListActive() ([]*models.EscalationRule, error) {
	return r.list("SELECT " + ruleColumns + " FROM escalation_rules WHERE active = 1 ORDER BY created_at")
}

func (r *EscalationRepository) list(query string) ([]*models.EscalationRule, error) {
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*models.EscalationRule{}
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Update updates a rule
func (r *EscalationRepository) Update(rule *models.EscalationRule) error {
	rule.UpdatedAt = time.Now()
	_, err := r.db.Exec(`
		UPDATE escalation_rules SET name = ?, active = ?, trigger_type = ?, threshold_days = ?, engagement_threshold = ?, cooldown_hours = ?, actions = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name, rule.Active, rule.TriggerType, rule.ThresholdDays, rule.EngagementThreshold, rule.CooldownHours, rule.Actions, rule.UpdatedAt, rule.ID,
	)
	return err
}

// Delete deletes a rule
func (r *EscalationRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM escalation_rules WHERE id = ?", id)
	return err
}
