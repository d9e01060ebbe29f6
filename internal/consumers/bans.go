package consumers

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/metrics"
)

// DB is the subset of *pgxpool.Pool the ban list uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Ban struct {
	URL      string    `json:"consumer_url"`
	Reason   string    `json:"reason"`
	RunID    string    `json:"run_id,omitempty"`
	BannedAt time.Time `json:"banned_at"`
}

// BanList keeps consumers that exhausted their retries out of later runs.
// As an outcome sink it only bans when enabled.
type BanList struct {
	db      DB
	enabled bool
	logger  *logging.Logger
}

func NewBanList(db DB, enabled bool, logger *logging.Logger) *BanList {
	if logger == nil {
		logger = logging.Discard()
	}
	return &BanList{db: db, enabled: enabled, logger: logger}
}

func (b *BanList) List(ctx context.Context) ([]Ban, error) {
	rows, err := b.db.Query(ctx, `
		SELECT consumer_url, reason, COALESCE(run_id, ''), banned_at
		FROM egress.consumer_bans
		ORDER BY banned_at`)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var ban Ban
		if err := rows.Scan(&ban.URL, &ban.Reason, &ban.RunID, &ban.BannedAt); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		out = append(out, ban)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	return out, nil
}

// Banned returns the banned URLs as a set
func (b *BanList) Banned(ctx context.Context) (map[string]bool, error) {
	bans, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(bans))
	for _, ban := range bans {
		set[ban.URL] = true
	}
	return set, nil
}

func (b *BanList) IsBanned(ctx context.Context, url string) (bool, error) {
	var banned bool
	err := b.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM egress.consumer_bans WHERE consumer_url=$1)`, url).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("check ban %s: %w", url, err)
	}
	return banned, nil
}

// Ban records url as banned; banning an already banned url refreshes the reason
func (b *BanList) Ban(ctx context.Context, url, reason, runID string) error {
	_, err := b.db.Exec(ctx, `
		INSERT INTO egress.consumer_bans (consumer_url, reason, run_id)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (consumer_url) DO UPDATE
		SET reason=EXCLUDED.reason, run_id=EXCLUDED.run_id, banned_at=now()`,
		url, reason, runID)
	if err != nil {
		return fmt.Errorf("ban %s: %w", url, err)
	}
	return nil
}

// Clear lifts a ban and reports whether one existed
func (b *BanList) Clear(ctx context.Context, url string) (bool, error) {
	tag, err := b.db.Exec(ctx, `DELETE FROM egress.consumer_bans WHERE consumer_url=$1`, url)
	if err != nil {
		return false, fmt.Errorf("clear ban %s: %w", url, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Record bans the consumer of a failed branch
func (b *BanList) Record(ctx context.Context, task delivery.Task, outcome delivery.Outcome) error {
	if !b.enabled || outcome.OK() {
		return nil
	}
	reason := fmt.Sprintf("failed after %d attempts: %s", outcome.Attempts, outcome.Reason)
	if err := b.Ban(ctx, task.Endpoint.URL, reason, task.RunID); err != nil {
		return err
	}
	metrics.RecordBan()
	b.logger.WithContext(ctx).
		WithRun(task.RunID).
		WithConsumer(task.Endpoint.URL).
		WithField("reason", reason).
		Warn("consumer banned")
	return nil
}
