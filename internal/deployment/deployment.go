// Package deployment provides the Deployment entity and its database
// operations. A Deployment is a single attempt to bring a Service to a new
// revision; it moves QUEUED -> BUILDING -> {SUCCESS|FAILED} and, once
// terminal, is immutable.
package deployment

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

const (
	StatusQueued   = "QUEUED"
	StatusBuilding = "BUILDING"
	StatusSuccess  = "SUCCESS"
	StatusFailed   = "FAILED"
)

// keepHistory is how many rows per service the reconciler's history-trim
// sweep retains.
const keepHistory = 10

// Deployment is a single attempt to make a service reach a new revision.
type Deployment struct {
	ID         string
	ServiceID  string
	Status     string
	CommitSha  *string
	ImageTag   *string
	Logs       string
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
}

// Store provides CRUD and lifecycle operations for Deployment rows.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new Deployment row in QUEUED status. The id is returned
// up front and doubles as the job id handed to the queue, so a cancel can
// always address the job by the same identifier as the deployment.
func (s *Store) Create(ctx context.Context, serviceID string) (*Deployment, error) {
	id := uuid.New().String()
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, service_id, status, logs, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, serviceID, StatusQueued, "", now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}
	log.Printf("[DEPLOYMENT] created deployment %s for service %s", id, serviceID)
	return s.GetByID(ctx, id)
}

// CreateRollback inserts a new Deployment row that reuses a prior
// deployment's image tag and commit sha rather than cloning/building.
func (s *Store) CreateRollback(ctx context.Context, serviceID, imageTag string, commitSha *string) (*Deployment, error) {
	id := uuid.New().String()
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, service_id, status, image_tag, commit_sha, logs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, serviceID, StatusQueued, imageTag, commitSha, "", now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollback deployment: %w", err)
	}
	log.Printf("[DEPLOYMENT] created rollback deployment %s for service %s (image %s)", id, serviceID, imageTag)
	return s.GetByID(ctx, id)
}

func (s *Store) GetByID(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service_id, status, commit_sha, image_tag, logs, started_at, finished_at, created_at
		FROM deployments WHERE id = $1`, id)
	return scanDeployment(row)
}

func (s *Store) ListByService(ctx context.Context, serviceID string) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_id, status, commit_sha, image_tag, logs, started_at, finished_at, created_at
		FROM deployments WHERE service_id = $1 ORDER BY created_at DESC`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkBuilding transitions a deployment to BUILDING and stamps startedAt.
func (s *Store) MarkBuilding(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE deployments SET status = $1, started_at = now() WHERE id = $2", StatusBuilding, id)
	if err != nil {
		return fmt.Errorf("failed to mark deployment building: %w", err)
	}
	return nil
}

// UpdateCommitSha persists the commit hash discovered during clone.
func (s *Store) UpdateCommitSha(ctx context.Context, id, sha string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE deployments SET commit_sha = $1 WHERE id = $2", sha, id)
	if err != nil {
		return fmt.Errorf("failed to update commit sha: %w", err)
	}
	return nil
}

// UpdateImageTag persists the built image tag as soon as the build
// succeeds, independent of the deployment's terminal outcome, so a
// subsequent rollback to this deployment (if it goes on to succeed) can
// reuse the image.
func (s *Store) UpdateImageTag(ctx context.Context, id, imageTag string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE deployments SET image_tag = $1 WHERE id = $2", imageTag, id)
	if err != nil {
		return fmt.Errorf("failed to update image tag: %w", err)
	}
	return nil
}

// AppendLog appends a line to the deployment's accumulated log text. Used
// as lines stream in during clone/build/health-check.
func (s *Store) AppendLog(ctx context.Context, id, line string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE deployments SET logs = logs || $1 || E'\\n' WHERE id = $2", line, id)
	if err != nil {
		return fmt.Errorf("failed to append deployment log: %w", err)
	}
	return nil
}

// MarkSuccess transitions a deployment to its terminal SUCCESS state.
func (s *Store) MarkSuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE deployments SET status = $1, finished_at = now() WHERE id = $2", StatusSuccess, id)
	if err != nil {
		return fmt.Errorf("failed to mark deployment success: %w", err)
	}
	return nil
}

// MarkFailed transitions a deployment to its terminal FAILED state and
// appends the failure reason to the log.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = $1, finished_at = now(), logs = logs || $2 || E'\n'
		WHERE id = $3`, StatusFailed, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark deployment failed: %w", err)
	}
	return nil
}

// ListStaleBuilding returns deployments still in BUILDING whose startedAt
// is older than cutoff: nothing moved them to a terminal state within the
// time a healthy build could plausibly take, which means the worker that
// owned them crashed (or the job carrying them was lost) without ever
// reaching the pipeline's own terminal write.
func (s *Store) ListStaleBuilding(ctx context.Context, cutoff time.Time) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_id, status, commit_sha, image_tag, logs, started_at, finished_at, created_at
		FROM deployments WHERE status = $1 AND started_at < $2`, StatusBuilding, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale building deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TrimHistory deletes all but the most recent keepHistory deployment rows
// for a service. Image tags on deleted rows are not touched (image GC is
// outside the core).
func (s *Store) TrimHistory(ctx context.Context, serviceID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM deployments
		WHERE service_id = $1 AND id NOT IN (
			SELECT id FROM deployments WHERE service_id = $1 ORDER BY created_at DESC LIMIT $2
		)`, serviceID, keepHistory)
	if err != nil {
		return 0, fmt.Errorf("failed to trim deployment history: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		log.Printf("[DEPLOYMENT] trimmed %d old deployment(s) for service %s", n, serviceID)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*Deployment, error) {
	var d Deployment
	err := row.Scan(
		&d.ID, &d.ServiceID, &d.Status, &d.CommitSha, &d.ImageTag, &d.Logs,
		&d.StartedAt, &d.FinishedAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}
	return &d, nil
}
