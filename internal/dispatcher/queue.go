// Package dispatcher delivers approved outbound items from a queue database
// to per-channel send commands, paced by a rate limiter. The queue lives in
// its own SQLite file, separate from the job store, so a producer can enqueue
// while only the dispatcher marks items sent.
package dispatcher

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

const timeLayout = "2006-01-02 15:04:05.000"

// Item statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusHold     = "hold"
	StatusSent     = "sent"
	StatusFailed   = "failed"
)

// Item timing modes.
const (
	TimingImmediate = "immediate"
	TimingScheduled = "scheduled"
)

type Item struct {
	ID           int64      `json:"id"`
	Channel      string     `json:"channel"`
	Payload      string     `json:"payload"`
	Status       string     `json:"status"`
	Timing       string     `json:"timing"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	DispatchID   string     `json:"dispatch_id,omitempty"`
}

// Queue is the dispatcher's persistence layer.
type Queue struct {
	db *sqlx.DB
}

func OpenQueue(path string) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("queue path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(string(b)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue inserts item as pending. Timing defaults to immediate; a scheduled
// item needs ScheduledFor set.
func (q *Queue) Enqueue(ctx context.Context, item *Item) (int64, error) {
	if strings.TrimSpace(item.Channel) == "" {
		return 0, errors.New("channel is required")
	}
	if item.Timing == "" {
		item.Timing = TimingImmediate
	}
	if item.Timing != TimingImmediate && item.Timing != TimingScheduled {
		return 0, fmt.Errorf("invalid timing %q", item.Timing)
	}
	if item.Timing == TimingScheduled && item.ScheduledFor == nil {
		return 0, errors.New("scheduled item needs scheduled_for")
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	item.CreatedAt = time.Now().UTC()

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_items (channel, payload, status, timing, scheduled_for, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.Channel, item.Payload, item.Status, item.Timing,
		fmtTimePtr(item.ScheduledFor), fmtTime(item.CreatedAt))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	item.ID = id
	return id, nil
}

// Approve moves a pending or held item into the deliverable state.
func (q *Queue) Approve(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, approved_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusApproved, fmtTime(time.Now().UTC()), id, StatusPending, StatusHold)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Hold parks an item so the polling pass skips it until re-approved.
func (q *Queue) Hold(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ? WHERE id = ? AND status IN (?, ?)`,
		StatusHold, id, StatusPending, StatusApproved)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetDue returns approved items that are deliverable now: immediate timing,
// or a scheduled_for at or before now.
func (q *Queue) GetDue(ctx context.Context, now time.Time) ([]Item, error) {
	var rows []itemRow
	err := q.db.SelectContext(ctx, &rows, `
		SELECT * FROM queue_items
		WHERE status = ?
		  AND (timing = ? OR (scheduled_for IS NOT NULL AND scheduled_for <= ?))
		ORDER BY id`,
		StatusApproved, TimingImmediate, fmtTime(now.UTC()))
	if err != nil {
		return nil, err
	}
	return toItems(rows)
}

type ListOptions struct {
	Status string // empty means all
	Limit  int    // default 50
}

func (q *Queue) List(ctx context.Context, opts ListOptions) ([]Item, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT * FROM queue_items WHERE 1=1"
	args := []any{}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var rows []itemRow
	if err := q.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return toItems(rows)
}

func (q *Queue) Get(ctx context.Context, id int64) (*Item, error) {
	var row itemRow
	err := q.db.GetContext(ctx, &row, "SELECT * FROM queue_items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item, err := row.toItem()
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (q *Queue) markSent(ctx context.Context, id int64, dispatchID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, sent_at = ?, dispatch_id = ?, last_error = NULL
		WHERE id = ?`,
		StatusSent, fmtTime(time.Now().UTC()), dispatchID, id)
	return err
}

// markFailed records a send failure. The item returns to approved for another
// attempt unless final, which parks it as failed.
func (q *Queue) markFailed(ctx context.Context, id int64, msg string, final bool) error {
	status := StatusApproved
	if final {
		status = StatusFailed
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, attempts = attempts + 1, last_error = ?
		WHERE id = ?`,
		status, msg, id)
	return err
}

// ---- row mapping ----

type itemRow struct {
	ID           int64          `db:"id"`
	Channel      string         `db:"channel"`
	Payload      string         `db:"payload"`
	Status       string         `db:"status"`
	Timing       string         `db:"timing"`
	ScheduledFor sql.NullString `db:"scheduled_for"`
	CreatedAt    string         `db:"created_at"`
	ApprovedAt   sql.NullString `db:"approved_at"`
	SentAt       sql.NullString `db:"sent_at"`
	Attempts     int            `db:"attempts"`
	LastError    sql.NullString `db:"last_error"`
	DispatchID   sql.NullString `db:"dispatch_id"`
}

func (r itemRow) toItem() (Item, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return Item{}, err
	}
	sched, err := parseTimePtr(r.ScheduledFor)
	if err != nil {
		return Item{}, err
	}
	approved, err := parseTimePtr(r.ApprovedAt)
	if err != nil {
		return Item{}, err
	}
	sent, err := parseTimePtr(r.SentAt)
	if err != nil {
		return Item{}, err
	}
	return Item{
		ID:           r.ID,
		Channel:      r.Channel,
		Payload:      r.Payload,
		Status:       r.Status,
		Timing:       r.Timing,
		ScheduledFor: sched,
		CreatedAt:    created,
		ApprovedAt:   approved,
		SentAt:       sent,
		Attempts:     r.Attempts,
		LastError:    r.LastError.String,
		DispatchID:   r.DispatchID.String,
	}, nil
}

func toItems(rows []itemRow) ([]Item, error) {
	out := make([]Item, 0, len(rows))
	for _, r := range rows {
		item, err := r.toItem()
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("dispatcher: cannot parse timestamp %q", s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
