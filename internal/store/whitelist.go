package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LookupAllowedNumber returns the display name for a whitelisted phone
// number, or ("", false, nil) when the number is not whitelisted.
func (s *Store) LookupAllowedNumber(ctx context.Context, phoneNumber string) (string, bool, error) {
	const q = `SELECT display_name FROM allowed_phone_numbers WHERE phone_number = $1`
	var name string
	err := s.pool.QueryRow(ctx, q, phoneNumber).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: lookup allowed number: %w", err)
	}
	return name, true, nil
}

// AddAllowedNumber whitelists a phone number. Idempotent; a repeated add
// updates the display name.
func (s *Store) AddAllowedNumber(ctx context.Context, phoneNumber, displayName string) error {
	const q = `
		INSERT INTO allowed_phone_numbers (phone_number, display_name)
		VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET display_name = EXCLUDED.display_name`
	if _, err := s.pool.Exec(ctx, q, phoneNumber, displayName); err != nil {
		return fmt.Errorf("store: add allowed number: %w", err)
	}
	return nil
}
