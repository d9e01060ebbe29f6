// Package journal checkpoints branch attempts and outcomes in Postgres so a
// redelivered run can skip consumers that already received the batch.
package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_egress/internal/delivery"
)

// DB is the subset of *pgxpool.Pool the journal uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

const lookupSQL = `
	SELECT status, attempts, COALESCE(last_error, '')
	FROM egress.branches
	WHERE run_id=$1 AND consumer_url=$2 AND completed_at IS NOT NULL`

// Lookup returns the terminal outcome recorded for a branch, if any
func (p *Postgres) Lookup(ctx context.Context, runID, consumer string) (delivery.Outcome, bool, error) {
	var (
		status   string
		attempts int
		reason   string
	)
	err := p.db.QueryRow(ctx, lookupSQL, runID, consumer).Scan(&status, &attempts, &reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Outcome{}, false, nil
	}
	if err != nil {
		return delivery.Outcome{}, false, fmt.Errorf("journal lookup %s/%s: %w", runID, consumer, err)
	}
	return delivery.Outcome{Status: delivery.Status(status), Reason: reason, Attempts: attempts}, true, nil
}

const attemptSQL = `
	INSERT INTO egress.attempts (run_id, consumer_url, attempt, error)
	VALUES ($1, $2, $3, NULLIF($4, ''))`

const branchRunningSQL = `
	INSERT INTO egress.branches (run_id, consumer_url, status, attempts, entities, last_error)
	VALUES ($1, $2, 'running', $3, $4, NULLIF($5, ''))
	ON CONFLICT (run_id, consumer_url) DO UPDATE
	SET status='running', attempts=EXCLUDED.attempts, last_error=EXCLUDED.last_error,
	    completed_at=NULL, updated_at=now()`

// RecordAttempt appends the attempt to the log and marks the branch running
func (p *Postgres) RecordAttempt(ctx context.Context, task delivery.Task, attempt int, attemptErr error) error {
	msg := errString(attemptErr)
	if _, err := p.db.Exec(ctx, attemptSQL, task.RunID, task.Endpoint.URL, attempt, msg); err != nil {
		return fmt.Errorf("journal attempt: %w", err)
	}
	if _, err := p.db.Exec(ctx, branchRunningSQL, task.RunID, task.Endpoint.URL, attempt, task.Batch.Len(), msg); err != nil {
		return fmt.Errorf("journal branch: %w", err)
	}
	return nil
}

const outcomeSQL = `
	INSERT INTO egress.branches (run_id, consumer_url, status, attempts, entities, last_error, completed_at)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now())
	ON CONFLICT (run_id, consumer_url) DO UPDATE
	SET status=EXCLUDED.status, attempts=EXCLUDED.attempts, last_error=EXCLUDED.last_error,
	    completed_at=now(), updated_at=now()`

// RecordOutcome stores the terminal outcome of a branch
func (p *Postgres) RecordOutcome(ctx context.Context, task delivery.Task, outcome delivery.Outcome) error {
	_, err := p.db.Exec(ctx, outcomeSQL,
		task.RunID, task.Endpoint.URL, string(outcome.Status), outcome.Attempts, task.Batch.Len(), outcome.Reason)
	if err != nil {
		return fmt.Errorf("journal outcome: %w", err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
