package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ds1/outreach/internal/models"
	"github.com/google/uuid"
)

type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Create creates a new contact
func (r *ContactRepository) Create(c *models.Contact) error {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = models.ContactActive
	}

	_, err := r.db.Exec(`
		INSERT INTO contacts (id, email, phone, first_name, last_name, company, status, do_not_contact, variables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Email, c.Phone, c.FirstName, c.LastName, c.Company, c.Status, c.DoNotContact, c.Variables, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID returns a contact by ID
func (r *ContactRepository) GetByID(id string) (*models.Contact, error) {
	return r.getOne("SELECT id, email, phone, first_name, last_name, company, status, do_not_contact, variables, created_at, updated_at FROM contacts WHERE id = ?", id)
}

// GetByEmail returns a contact by email address
func (r *ContactRepository) GetByEmail(email string) (*models.Contact, error) {
	return r.getOne("SELECT id, email, phone, first_name, last_name, company, status, do_not_contact, variables, created_at, updated_at FROM contacts WHERE email = ?", email)
}

// GetByPhone returns a contact by phone number. Voice status callbacks carry
// only the dialed number, not a contact identifier.
func (r *ContactRepository) GetByPhone(phone string) (*models.Contact, error) {
	return r.getOne("SELECT id, email, phone, first_name, last_name, company, status, do_not_contact, variables, created_at, updated_at FROM contacts WHERE phone = ?", phone)
}

func (r *ContactRepository) getOne(query string, arg any) (*models.Contact, error) {
	c := &models.Contact{}
	err := r.db.QueryRow(query, arg).Scan(
		&c.ID, &c.Email, &c.Phone, &c.FirstName, &c.LastName, &c.Company,
		&c.Status, &c.DoNotContact, &c.Variables, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns contacts with optional filtering
func (r *ContactRepository) List(filter models.ContactListFilter) ([]models.Contact, int, error) {
	countQuery := "SELECT COUNT(*) FROM contacts WHERE 1=1"
	args := []any{}

	if filter.Status != "" {
		countQuery += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		countQuery += " AND (email LIKE ? OR first_name LIKE ? OR last_name LIKE ? OR company LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s, s)
	}

	var total int
	if err := r.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT id, email, phone, first_name, last_name, company, status, do_not_contact, variables, created_at, updated_at FROM contacts WHERE 1=1"
	args = []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		query += " AND (email LIKE ? OR first_name LIKE ? OR last_name LIKE ? OR company LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s, s)
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
		return nil, 0, err
	}
	defer rows.Close()

	contacts := []models.Contact{}
	for rows.Next() {
		var c models.Contact
		err := rows.Scan(&c.ID, &c.Email, &c.Phone, &c.FirstName, &c.LastName, &c.Company,
			&c.Status, &c.DoNotContact, &c.Variables, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, 0, err
		}
		contacts = append(contacts, c)
	}

	return contacts, total, nil
}

// Update updates a contact
func (r *ContactRepository) Update(c *models.Contact) error {
	c.UpdatedAt = time.Now()
	_, err := r.db.Exec(`
		UPDATE contacts SET email = ?, phone = ?, first_name = ?, last_name = ?, company = ?, variables = ?, updated_at = ?
		WHERE id = ?`,
		c.Email, c.Phone, c.FirstName, c.LastName, c.Company, c.Variables, c.UpdatedAt, c.ID,
	)
	return err
}

// UpdateStatus sets a contact's lifecycle status
func (r *ContactRepository) UpdateStatus(id string, status models.ContactStatus) error {
	_, err := r.db.Exec("UPDATE contacts SET status = ?, updated_at = ? WHERE id = ?", status, time.Now(), id)
	return err
}

// SetDoNotContact flips the do-not-contact flag
func (r *ContactRepository) SetDoNotContact(id string, v bool) error {
	_, err := r.db.Exec("UPDATE contacts SET do_not_contact = ?, updated_at = ? WHERE id = ?", v, time.Now(), id)
	return err
}

// Delete deletes a contact
func (r *ContactRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM contacts WHERE id = ?", id)
	return err
}
