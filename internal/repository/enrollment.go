package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ds1/outreach/internal/models"
	"github.com/google/uuid"
)

type EnrollmentRepository struct {
	db *sql.DB
}

func NewEnrollmentRepository(db *sql.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Create enrolls a contact into a campaign. The unique constraint on
// (campaign_id, contact_id) rejects a second enrollment of the same pair.
func (r *EnrollmentRepository) Create(e *models.Enrollment) error {
	e.ID = uuid.New().String()
	e.EnrolledAt = time.Now()
	if e.Status == "" {
		e.Status = models.EnrollmentEnrolled
	}

	_, err := r.db.Exec(`
		INSERT INTO enrollments (id, campaign_id, contact_id, status, current_step, enrolled_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.CampaignID, e.ContactID, e.Status, e.CurrentStep, e.EnrolledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create enrollment: %w", err)
	}
	return nil
}

const enrollmentColumns = `e.id, e.campaign_id, e.contact_id, e.status, e.current_step,
	e.messages_sent, e.messages_opened, e.messages_clicked, e.voice_sent,
	e.enrolled_at, e.last_sent_at, e.last_activity_at, c.email, c.phone`

func scanEnrollment(scan func(...any) error) (*models.Enrollment, error) {
	e := &models.Enrollment{}
	var lastSent, lastActivity sql.NullTime
	var email, phone sql.NullString
	err := scan(&e.ID, &e.CampaignID, &e.ContactID, &e.Status, &e.CurrentStep,
		&e.MessagesSent, &e.MessagesOpened, &e.MessagesClicked, &e.VoiceSent,
		&e.EnrolledAt, &lastSent, &lastActivity, &email, &phone)
	if err != nil {
		return nil, err
	}
	if lastSent.Valid {
		e.LastSentAt = &lastSent.Time
	}
	if lastActivity.Valid {
		e.LastActivityAt = &lastActivity.Time
	}
	e.ContactEmail = email.String
	e.ContactPhone = phone.String
	return e, nil
}

// GetByID returns an enrollment by ID
func (r *EnrollmentRepository) GetByID(id string) (*models.Enrollment, error) {
	row := r.db.QueryRow(`
		SELECT `+enrollmentColumns+`
		FROM enrollments e JOIN contacts c ON e.contact_id = c.id
		WHERE e.id = ?`, id)

	e, err := scanEnrollment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByCampaignContact returns the enrollment of a contact in a campaign
func (r *EnrollmentRepository) GetByCampaignContact(campaignID, contactID string) (*models.Enrollment, error) {
	row := r.db.QueryRow(`
		SELECT `+enrollmentColumns+`
		FROM enrollments e JOIN contacts c ON e.contact_id = c.id
		WHERE e.campaign_id = ? AND e.contact_id = ?`, campaignID, contactID)

	e, err := scanEnrollment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns enrollments with optional filtering
func (r *EnrollmentRepository) List(filter models.EnrollmentListFilter) ([]*models.Enrollment, int, error) {
	countQuery := "SELECT COUNT(*) FROM enrollments e WHERE 1=1"
	args := []any{}

	if filter.CampaignID != "" {
		countQuery += " AND e.campaign_id = ?"
		args = append(args, filter.CampaignID)
	}
	if filter.Status != "" {
		countQuery += " AND e.status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + enrollmentColumns + `
		FROM enrollments e JOIN contacts c ON e.contact_id = c.id
		WHERE 1=1`

	args = []any{}
	if filter.CampaignID != "" {
		query += " AND e.campaign_id = ?"
		args = append(args, filter.CampaignID)
	}
	if filter.Status != "" {
		query += " AND e.status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY e.enrolled_at"

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

	enrollments := []*models.Enrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		enrollments = append(enrollments, e)
	}

	return enrollments, total, nil
}

// ListSchedulable returns enrollments of a campaign that the scheduler may
// advance: not terminal, not paused, and attached to a contactable contact.
func (r *EnrollmentRepository) ListSchedulable(campaignID string, limit int) ([]*models.Enrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM enrollments e JOIN contacts c ON e.contact_id = c.id
		WHERE e.campaign_id = ?
		  AND e.status IN (?, ?)
		  AND c.status = ?
		  AND c.do_not_contact = 0
		ORDER BY e.enrolled_at`
	args := []any{campaignID, models.EnrollmentEnrolled, models.EnrollmentInProgress, models.ContactActive}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	enrollments := []*models.Enrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows.Scan)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}

	return enrollments, nil
}

// ListStale returns non-terminal enrollments with no activity since the
// cutoff. Enrollments that never had any activity count from enrollment.
// Paused enrollments still count as waiting on the contact.
func (r *EnrollmentRepository) ListStale(cutoff time.Time, limit int) ([]*models.Enrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM enrollments e JOIN contacts c ON e.contact_id = c.id
		WHERE e.status IN (?, ?, ?)
		  AND COALESCE(e.last_activity_at, e.enrolled_at) < ?
		ORDER BY e.enrolled_at`
	args := []any{models.EnrollmentEnrolled, models.EnrollmentInProgress, models.EnrollmentPaused, cutoff}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return r.queryEnrollments(query, args...)
}

// ListEngaged returns non-terminal enrollments whose combined open and click
// counters meet the threshold
func (r *EnrollmentRepository) ListEngaged(threshold, limit int) ([]*models.Enrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM enrollments e JOIN contacts c ON e.contact_id = c.id
		WHERE e.status IN (?, ?, ?)
		  AND e.messages_opened + e.messages_clicked >= ?
		ORDER BY e.messages_opened + e.messages_clicked DESC`
	args := []any{models.EnrollmentEnrolled, models.EnrollmentInProgress, models.EnrollmentPaused, threshold}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return r.queryEnrollments(query, args...)
}

func (r *EnrollmentRepository) queryEnrollments(query string, args ...any) ([]*models.Enrollment, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	enrollments := []*models.Enrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows.Scan)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}

	return enrollments, nil
}

// TransitionStatus moves an enrollment to a new status only if its current
// status is one of from. Returns false when the transition was not allowed.
func (r *EnrollmentRepository) TransitionStatus(id string, from []models.EnrollmentStatus, to models.EnrollmentStatus) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	args := []any{to, id}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := r.db.Exec(
		"UPDATE enrollments SET status = ? WHERE id = ? AND status IN ("+placeholders+")",
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

// TransitionStatusByCampaign bulk-moves every enrollment of a campaign whose
// status is one of from. Returns the number of enrollments moved.
func (r *EnrollmentRepository) TransitionStatusByCampaign(campaignID string, from []models.EnrollmentStatus, to models.EnrollmentStatus) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	args := []any{to, campaignID}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := r.db.Exec(
		"UPDATE enrollments SET status = ? WHERE campaign_id = ? AND status IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TransitionStatusByContact bulk-moves every enrollment of a contact whose
// status is one of from. Used when a contact unsubscribes across campaigns.
func (r *EnrollmentRepository) TransitionStatusByContact(contactID string, from []models.EnrollmentStatus, to models.EnrollmentStatus) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	args := []any{to, contactID}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := r.db.Exec(
		"UPDATE enrollments SET status = ? WHERE contact_id = ? AND status IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AdvanceStep moves the enrollment's step pointer forward. The guard on the
// previous value keeps two workers from double-advancing the same send.
// last_sent_at is set here and nowhere else, so the next step's delay always
// counts from the send that completed the previous one.
func (r *EnrollmentRepository) AdvanceStep(id string, fromStep, toStep int) (bool, error) {
	now := time.Now()
	res, err := r.db.Exec(`
		UPDATE enrollments SET current_step = ?, status = ?, last_sent_at = ?, last_activity_at = ?
		WHERE id = ? AND current_step = ?`,
		toStep, models.EnrollmentInProgress, now, now, id, fromStep,
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

// IncrementCounter atomically bumps one of the per-enrollment engagement
// counters
func (r *EnrollmentRepository) IncrementCounter(id, counter string) error {
	switch counter {
	case "messages_sent", "messages_opened", "messages_clicked", "voice_sent":
	default:
		return fmt.Errorf("unknown enrollment counter: %s", counter)
	}
	_, err := r.db.Exec("UPDATE enrollments SET "+counter+" = "+counter+" + 1, last_activity_at = ? WHERE id = ?", time.Now(), id)
	return err
}

// TouchActivity updates the last-activity timestamp
func (r *EnrollmentRepository) TouchActivity(id string, t time.Time) error {
	_, err := r.db.Exec("UPDATE enrollments SET last_activity_at = ? WHERE id = ?", t, id)
	return err
}

// CountByStatus returns enrollment counts per status for a campaign
func (r *EnrollmentRepository) CountByStatus(campaignID string) (map[models.EnrollmentStatus]int, error) {
	rows, err := r.db.Query(
		"SELECT status, COUNT(*) FROM enrollments WHERE campaign_id = ? GROUP BY status", campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.EnrollmentStatus]int{}
	for rows.Next() {
		var status models.EnrollmentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, nil
}
