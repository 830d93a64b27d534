package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/callcard/internal/database/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned by writes that target a missing row.
var ErrNotFound = errors.New("database: not found")

const contactColumns = `c.id, c.name, c.number, c.location, c.label,
	EXISTS(SELECT 1 FROM contact_photos p WHERE p.contact_id = c.id),
	c.view_count, c.last_viewed_at, c.created_at, c.updated_at`

// contactRepo implements ContactRepository.
type contactRepo struct {
	db *DB
}

// NewContactRepository creates a new ContactRepository.
func NewContactRepository(db *DB) ContactRepository {
	return &contactRepo{db: db}
}

// Create inserts a new contact. A missing ID is generated.
func (r *contactRepo) Create(ctx context.Context, c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Number = NormalizeNumber(c.Number)
	if c.Number == "" {
		return fmt.Errorf("inserting contact %q: empty number", c.Name)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (id, name, number, location, label, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		c.ID, c.Name, c.Number, c.Location, c.Label,
	)
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}
	return nil
}

// GetByID returns a contact by ID, or nil when absent.
func (r *contactRepo) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts c WHERE c.id = ?`, id,
	))
}

// GetByNumber returns the contact for a caller number, or nil when absent.
// An exact match on the normalized number wins; otherwise a single contact
// sharing the trailing digits is accepted, so national and international
// forms of the same number resolve alike.
func (r *contactRepo) GetByNumber(ctx context.Context, number string) (*models.Contact, error) {
	number = NormalizeNumber(number)
	if number == "" {
		return nil, nil
	}

	c, err := r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts c WHERE c.number = ?`, number,
	))
	if err != nil || c != nil {
		return c, err
	}

	suffix := trailingDigits(number, minLooseMatchDigits)
	if suffix == "" {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts c WHERE c.number LIKE ? LIMIT 2`, "%"+suffix,
	)
	if err != nil {
		return nil, fmt.Errorf("querying contacts by suffix: %w", err)
	}
	defer rows.Close()

	matches, err := scanContacts(rows)
	if err != nil {
		return nil, err
	}
	if len(matches) != 1 {
		return nil, nil
	}
	return &matches[0], nil
}

// List returns all contacts ordered by name.
func (r *contactRepo) List(ctx context.Context) ([]models.Contact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts c ORDER BY c.name, c.number`)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()
	return scanContacts(rows)
}

// Update modifies an existing contact.
func (r *contactRepo) Update(ctx context.Context, c *models.Contact) error {
	c.Number = NormalizeNumber(c.Number)
	res, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET name = ?, number = ?, location = ?, label = ?,
		 updated_at = datetime('now')
		 WHERE id = ?`,
		c.Name, c.Number, c.Location, c.Label, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating contact: %w", err)
	}
	return requireRow(res, "contact", c.ID)
}

// Delete removes a contact and, by cascade, its photo and view log.
func (r *contactRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting contact: %w", err)
	}
	return nil
}

// Count returns the number of contacts.
func (r *contactRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting contacts: %w", err)
	}
	return n, nil
}

// SetPhoto stores or replaces a contact's photo.
func (r *contactRepo) SetPhoto(ctx context.Context, photo *models.ContactPhoto) error {
	if len(photo.Data) == 0 {
		return fmt.Errorf("storing photo for contact %s: empty image", photo.ContactID)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contact_photos (contact_id, content_type, data, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(contact_id) DO UPDATE SET
		   content_type = excluded.content_type,
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		photo.ContactID, photo.ContentType, photo.Data,
	)
	if err != nil {
		return fmt.Errorf("storing contact photo: %w", err)
	}
	return nil
}

// GetPhoto returns a contact's photo, or nil when it has none.
func (r *contactRepo) GetPhoto(ctx context.Context, contactID string) (*models.ContactPhoto, error) {
	p := models.ContactPhoto{ContactID: contactID}
	err := r.db.QueryRowContext(ctx,
		`SELECT content_type, data FROM contact_photos WHERE contact_id = ?`, contactID,
	).Scan(&p.ContentType, &p.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact photo: %w", err)
	}
	return &p, nil
}

// MarkViewed bumps the contact's view counter and appends to its view log.
func (r *contactRepo) MarkViewed(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning view transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE contacts SET view_count = view_count + 1, last_viewed_at = datetime('now')
		 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("updating view count: %w", err)
	}
	if err := requireRow(res, "contact", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contact_views (contact_id, viewed_at) VALUES (?, datetime('now'))`, id,
	); err != nil {
		return fmt.Errorf("inserting contact view: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing contact view: %w", err)
	}
	return nil
}

// ListViews returns a contact's view log, newest first.
func (r *contactRepo) ListViews(ctx context.Context, id string) ([]models.ContactView, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, contact_id, viewed_at FROM contact_views
		 WHERE contact_id = ? ORDER BY id DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("querying contact views: %w", err)
	}
	defer rows.Close()

	var views []models.ContactView
	for rows.Next() {
		var v models.ContactView
		if err := rows.Scan(&v.ID, &v.ContactID, &v.ViewedAt); err != nil {
			return nil, fmt.Errorf("scanning contact view row: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(s rowScanner) (models.Contact, error) {
	var (
		c          models.Contact
		lastViewed sql.NullTime
	)
	err := s.Scan(&c.ID, &c.Name, &c.Number, &c.Location, &c.Label, &c.HasPhoto,
		&c.ViewCount, &lastViewed, &c.CreatedAt, &c.UpdatedAt)
	if lastViewed.Valid {
		t := lastViewed.Time
		c.LastViewedAt = &t
	}
	return c, err
}

func scanContacts(rows *sql.Rows) ([]models.Contact, error) {
	var contacts []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning contact row: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *contactRepo) scanOne(row *sql.Row) (*models.Contact, error) {
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning contact: %w", err)
	}
	return &c, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
