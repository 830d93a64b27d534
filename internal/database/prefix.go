package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/callcard/internal/database/models"
)

// prefixRepo implements PrefixRepository.
type prefixRepo struct {
	db *DB
}

// NewPrefixRepository creates a new PrefixRepository.
func NewPrefixRepository(db *DB) PrefixRepository {
	return &prefixRepo{db: db}
}

// Upsert inserts a prefix or replaces its descriptions.
func (r *prefixRepo) Upsert(ctx context.Context, p *models.NumberPrefix) error {
	p.Prefix = NormalizeNumber(p.Prefix)
	if p.Prefix == "" {
		return fmt.Errorf("storing number prefix: empty prefix")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO number_prefixes (prefix, region, city) VALUES (?, ?, ?)
		 ON CONFLICT(prefix) DO UPDATE SET region = excluded.region, city = excluded.city`,
		p.Prefix, p.Region, p.City,
	)
	if err != nil {
		return fmt.Errorf("storing number prefix: %w", err)
	}
	return nil
}

// Match returns the longest prefix of number, or nil when none applies.
func (r *prefixRepo) Match(ctx context.Context, number string) (*models.NumberPrefix, error) {
	number = NormalizeNumber(number)
	if number == "" {
		return nil, nil
	}

	var p models.NumberPrefix
	err := r.db.QueryRowContext(ctx,
		`SELECT prefix, region, city FROM number_prefixes
		 WHERE substr(?, 1, length(prefix)) = prefix
		 ORDER BY length(prefix) DESC
		 LIMIT 1`, number,
	).Scan(&p.Prefix, &p.Region, &p.City)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching number prefix: %w", err)
	}
	return &p, nil
}

// List returns all prefixes in lexical order.
func (r *prefixRepo) List(ctx context.Context) ([]models.NumberPrefix, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT prefix, region, city FROM number_prefixes ORDER BY prefix`)
	if err != nil {
		return nil, fmt.Errorf("querying number prefixes: %w", err)
	}
	defer rows.Close()

	var prefixes []models.NumberPrefix
	for rows.Next() {
		var p models.NumberPrefix
		if err := rows.Scan(&p.Prefix, &p.Region, &p.City); err != nil {
			return nil, fmt.Errorf("scanning number prefix row: %w", err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, rows.Err()
}

// Delete removes a prefix.
func (r *prefixRepo) Delete(ctx context.Context, prefix string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM number_prefixes WHERE prefix = ?`, NormalizeNumber(prefix))
	if err != nil {
		return fmt.Errorf("deleting number prefix: %w", err)
	}
	return nil
}
