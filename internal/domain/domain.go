// Package domain provides the Domain entity: a custom hostname bound to a
// service, with verification state. Only verified domains participate in
// routing.
package domain

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Domain is a custom hostname a user wants to route to a service.
type Domain struct {
	ID                string
	ServiceID         string
	Hostname          string
	Verified          bool
	VerificationToken string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Store provides CRUD and verification operations for Domain rows.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create registers a new (unverified) custom domain for a service.
func (s *Store) Create(ctx context.Context, serviceID, hostname string) (*Domain, error) {
	token, err := generateVerificationToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification token: %w", err)
	}

	id := uuid.New().String()
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO domains (id, service_id, hostname, verified, verification_token, created_at, updated_at)
		VALUES ($1, $2, $3, false, $4, $5, $5)`,
		id, serviceID, hostname, token, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create domain: %w", err)
	}
	log.Printf("[DOMAIN] registered domain %s for service %s (unverified)", hostname, serviceID)
	return s.GetByID(ctx, id)
}

func (s *Store) GetByID(ctx context.Context, id string) (*Domain, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service_id, hostname, verified, verification_token, created_at, updated_at
		FROM domains WHERE id = $1`, id)
	return scanDomain(row)
}

// ListVerifiedByService returns only the domains whose ownership has been
// verified; this is the routing-input fetch step of the deployment
// pipeline (spec §4.2 step 4).
func (s *Store) ListVerifiedByService(ctx context.Context, serviceID string) ([]*Domain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_id, hostname, verified, verification_token, created_at, updated_at
		FROM domains WHERE service_id = $1 AND verified = true ORDER BY created_at ASC`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list verified domains: %w", err)
	}
	defer rows.Close()

	var out []*Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkVerified flips a domain to verified once the caller has confirmed
// ownership (e.g. DNS TXT record matching VerificationToken).
func (s *Store) MarkVerified(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE domains SET verified = true, updated_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to mark domain verified: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM domains WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete domain: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDomain(row rowScanner) (*Domain, error) {
	var d Domain
	err := row.Scan(&d.ID, &d.ServiceID, &d.Hostname, &d.Verified, &d.VerificationToken, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan domain: %w", err)
	}
	return &d, nil
}

func generateVerificationToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
