package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ds1/outreach/internal/models"
	"github.com/google/uuid"
)

type TemplateRepository struct {
	db *sql.DB
}

func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create creates a new template
func (r *TemplateRepository) Create(t *models.Template) error {
	t.ID = uuid.New().String()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO templates (id, name, channel, subject, body, audio_url, variables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Channel, t.Subject, t.Body, t.AudioURL, t.Variables, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetByID returns a template by ID
func (r *TemplateRepository) GetByID(id string) (*models.Template, error) {
	t := &models.Template{}
	var subject, body, audioURL, variables sql.NullString
	err := r.db.QueryRow(`
		SELECT id, name, channel, subject, body, audio_url, variables, created_at, updated_at
		FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Channel, &subject, &body, &audioURL, &variables, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Subject = subject.String
	t.Body = body.String
	t.AudioURL = audioURL.String
	t.Variables = variables.String
	return t, nil
}

// List returns all templates, optionally filtered by channel
func (r *TemplateRepository) List(channel models.ChannelType) ([]models.Template, error) {
	query := "SELECT id, name, channel, subject, body, audio_url, variables, created_at, updated_at FROM templates"
	args := []any{}

	if channel != "" {
		query += " WHERE channel = ?"
		args = append(args, channel)
	}
	query += " ORDER BY name"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := []models.Template{}
	for rows.Next() {
		var t models.Template
		var subject, body, audioURL, variables sql.NullString
		err := rows.Scan(&t.ID, &t.Name, &t.Channel, &subject, &body, &audioURL, &variables, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, err
		}
		t.Subject = subject.String
		t.Body = body.String
		t.AudioURL = audioURL.String
		t.Variables = variables.String
		templates = append(templates, t)
	}

	return templates, nil
}

// Update updates a template. Content changes invalidate any cached audio.
func (r *TemplateRepository) Update(t *models.Template) error {
	t.UpdatedAt = time.Now()
	_, err := r.db.Exec(`
		UPDATE templates SET name = ?, channel = ?, subject = ?, body = ?, audio_url = '', variables = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Channel, t.Subject, t.Body, t.Variables, t.UpdatedAt, t.ID,
	)
	return err
}

// SetAudioURL caches the synthesized audio location for a voice template
func (r *TemplateRepository) SetAudioURL(id, url string) error {
	_, err := r.db.Exec("UPDATE templates SET audio_url = ?, updated_at = ? WHERE id = ?", url, time.Now(), id)
	return err
}

// Delete deletes a template
func (r *TemplateRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM templates WHERE id = ?", id)
	return err
}
