// Package service provides the Service entity and its database operations.
// A Service is the deployable unit bound to a single repository/branch; it
// owns at most one live container at any stable (non-DEPLOYING) moment and
// is reachable at <subdomain>.<base-domain> plus any verified custom
// domains.
package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"renderlite/internal/apierr"
)

// Status values a Service can hold. Exactly one of these is ever set.
const (
	StatusCreated   = "CREATED"
	StatusDeploying = "DEPLOYING"
	StatusRunning   = "RUNNING"
	StatusStopped   = "STOPPED"
	StatusFailed    = "FAILED"
)

// maxSubdomainAttempts bounds the generate-and-retry loop used to assign a
// unique subdomain at creation time.
const maxSubdomainAttempts = 10

const subdomainSuffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// Service is the deployable unit: a repository/branch bound to a
// subdomain, with at most one live container at a time.
type Service struct {
	ID                     string
	ProjectID              string
	Name                   string
	RepoURL                string
	Branch                 string
	Runtime                *string
	Subdomain              string
	Status                 string
	ContainerID            *string
	Env                    map[string]string // envelope-encrypted values
	HealthCheckPath        *string
	HealthCheckIntervalSec *int
	HealthCheckTimeoutSec  *int
	WebhookSecret          string // envelope-encrypted
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Store provides CRUD and lifecycle operations for Service rows.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateInput groups the fields a caller supplies when registering a service.
type CreateInput struct {
	ProjectID              string
	Name                   string
	RepoURL                string
	Branch                 string
	Runtime                *string
	Env                    map[string]string
	HealthCheckPath        *string
	HealthCheckIntervalSec *int
	HealthCheckTimeoutSec  *int
	WebhookSecret          string
}

// NormalizeRepoURL strips a trailing ".git" suffix and trailing slash so the
// same repository is always stored the same way.
func NormalizeRepoURL(raw string) string {
	url := strings.TrimSpace(raw)
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")
	return url
}

// Create inserts a new Service, generating a globally-unique subdomain by a
// generate-and-retry loop (spec: up to 10 attempts, 6-char random suffix).
// On collision after all attempts it returns an error (Conflict).
func (s *Store) Create(ctx context.Context, in CreateInput) (*Service, error) {
	envJSON, err := json.Marshal(in.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal env: %w", err)
	}

	slug := slugify(in.Name)
	id := uuid.New().String()
	now := time.Now()

	for attempt := 0; attempt < maxSubdomainAttempts; attempt++ {
		suffix, err := randomSuffix(6)
		if err != nil {
			return nil, fmt.Errorf("failed to generate subdomain suffix: %w", err)
		}
		subdomain := fmt.Sprintf("%s-%s", slug, suffix)

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO services (
				id, project_id, name, repo_url, branch, runtime, subdomain, status,
				env, health_check_path, health_check_interval_sec, health_check_timeout_sec,
				webhook_secret, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			id, in.ProjectID, in.Name, NormalizeRepoURL(in.RepoURL), in.Branch, in.Runtime,
			subdomain, StatusCreated, envJSON, in.HealthCheckPath, in.HealthCheckIntervalSec,
			in.HealthCheckTimeoutSec, in.WebhookSecret, now, now,
		)
		if err == nil {
			log.Printf("[SERVICE] created service %s with subdomain %s", id, subdomain)
			return s.GetByID(ctx, id)
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to create service: %w", err)
		}
		log.Printf("[SERVICE] subdomain %s already taken, retrying (attempt %d/%d)", subdomain, attempt+1, maxSubdomainAttempts)
	}

	return nil, apierr.Conflict(fmt.Sprintf("failed to allocate a unique subdomain after %d attempts", maxSubdomainAttempts), nil)
}

func (s *Store) GetByID(ctx context.Context, id string) (*Service, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, repo_url, branch, runtime, subdomain, status,
		       container_id, env, health_check_path, health_check_interval_sec,
		       health_check_timeout_sec, webhook_secret, created_at, updated_at
		FROM services WHERE id = $1`, id)
	return scanService(row)
}

func (s *Store) GetBySubdomain(ctx context.Context, subdomain string) (*Service, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, repo_url, branch, runtime, subdomain, status,
		       container_id, env, health_check_path, health_check_interval_sec,
		       health_check_timeout_sec, webhook_secret, created_at, updated_at
		FROM services WHERE subdomain = $1`, subdomain)
	return scanService(row)
}

func (s *Store) ListByProject(ctx context.Context, projectID string) ([]*Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, repo_url, branch, runtime, subdomain, status,
		       container_id, env, health_check_path, health_check_interval_sec,
		       health_check_timeout_sec, webhook_secret, created_at, updated_at
		FROM services WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// ListAll returns every service, for sweeps that apply uniformly regardless
// of status (e.g. the reconciler's deployment-history trim).
func (s *Store) ListAll(ctx context.Context) ([]*Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, repo_url, branch, runtime, subdomain, status,
		       container_id, env, health_check_path, health_check_interval_sec,
		       health_check_timeout_sec, webhook_secret, created_at, updated_at
		FROM services ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list all services: %w", err)
	}
	defer rows.Close()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// ListRunningWithContainer returns every service that currently believes it
// has a live container, for the reconciler's drift sweep.
func (s *Store) ListRunningWithContainer(ctx context.Context) ([]*Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, repo_url, branch, runtime, subdomain, status,
		       container_id, env, health_check_path, health_check_interval_sec,
		       health_check_timeout_sec, webhook_secret, created_at, updated_at
		FROM services WHERE status = $1 AND container_id IS NOT NULL`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running services: %w", err)
	}
	defer rows.Close()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// ListFailedWithStaleContainer returns FAILED services whose container was
// never cleaned up and have been stale for longer than olderThan.
func (s *Store) ListFailedWithStaleContainer(ctx context.Context, olderThan time.Duration) ([]*Service, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, repo_url, branch, runtime, subdomain, status,
		       container_id, env, health_check_path, health_check_interval_sec,
		       health_check_timeout_sec, webhook_secret, created_at, updated_at
		FROM services WHERE status = $1 AND container_id IS NOT NULL AND updated_at < $2`,
		StatusFailed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale failed services: %w", err)
	}
	defer rows.Close()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// UpdateStatus sets the service's status alone.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE services SET status = $1, updated_at = now() WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update service status: %w", err)
	}
	return nil
}

// UpdateRunning marks the service RUNNING with the given live container id.
func (s *Store) UpdateRunning(ctx context.Context, id, containerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE services SET status = $1, container_id = $2, updated_at = now() WHERE id = $3",
		StatusRunning, containerID, id)
	if err != nil {
		return fmt.Errorf("failed to update service to running: %w", err)
	}
	return nil
}

// ClearContainer nulls out the container pointer, e.g. after the
// reconciler removes an orphaned or stale container.
func (s *Store) ClearContainer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE services SET container_id = NULL, updated_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to clear service container: %w", err)
	}
	return nil
}

// MarkStopped transitions a service to STOPPED and clears its container
// pointer in one statement, used by the reconciler's drift-repair sweep.
func (s *Store) MarkStopped(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE services SET status = $1, container_id = NULL, updated_at = now() WHERE id = $2",
		StatusStopped, id)
	if err != nil {
		return fmt.Errorf("failed to mark service stopped: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM services WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*Service, error) {
	var svc Service
	var envRaw []byte
	err := row.Scan(
		&svc.ID, &svc.ProjectID, &svc.Name, &svc.RepoURL, &svc.Branch, &svc.Runtime,
		&svc.Subdomain, &svc.Status, &svc.ContainerID, &envRaw, &svc.HealthCheckPath,
		&svc.HealthCheckIntervalSec, &svc.HealthCheckTimeoutSec, &svc.WebhookSecret,
		&svc.CreatedAt, &svc.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan service: %w", err)
	}
	if len(envRaw) > 0 {
		if err := json.Unmarshal(envRaw, &svc.Env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal service env: %w", err)
		}
	}
	return &svc, nil
}

// slugify lowercases a name and replaces anything that isn't [a-z0-9-] with
// a hyphen, producing a DNS-label-safe subdomain prefix.
func slugify(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "app"
	}
	return out
}

func randomSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = subdomainSuffixChars[int(b)%len(subdomainSuffixChars)]
	}
	return string(out), nil
}

// isUniqueViolation detects a Postgres unique-constraint error (code 23505)
// without importing the pq error type directly into the call sites above.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
