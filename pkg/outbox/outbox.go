// Package outbox keeps bind submissions in a local SQLite database until the
// signature server has accepted them, so binds made offline are not lost.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/retry"
	"github.com/roomfi/roomfi/pkg/sigserver"
)

// DefaultMaxAttempts is how many failed flushes an entry survives.
const DefaultMaxAttempts = 20

// Entry is one pending bind.
type Entry struct {
	ID        string    `json:"id"`
	Location  string    `json:"location"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// Poster delivers an encoded bind to the server.
type Poster interface {
	PostBindRaw(ctx context.Context, body []byte) error
}

// Outbox is a persistent FIFO of bind payloads. It is safe for concurrent use.
type Outbox struct {
	db          *sql.DB
	path        string
	runner      *retry.Runner
	maxAttempts int
	kick        chan struct{}
	onSettled   func(e Entry, delivered bool)
	logger      *logx.Logger
	now         func() time.Time
}

// Open opens or creates the outbox database at path.
func Open(path string, runner *retry.Runner, logger *logx.Logger) (*Outbox, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	db.SetMaxOpenConns(1)

	o := &Outbox{
		db:          db,
		path:        path,
		runner:      runner,
		maxAttempts: DefaultMaxAttempts,
		kick:        make(chan struct{}, 1),
		logger:      logger,
		now:         time.Now,
	}
	if err := o.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize outbox schema: %w", err)
	}
	return o, nil
}

func (o *Outbox) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS binds (
		id TEXT PRIMARY KEY,
		location TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		sent_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_binds_pending ON binds(sent_at, created_at);
	`
	_, err := o.db.Exec(schema)
	return err
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// SetMaxAttempts bounds how often an entry is retried before it is abandoned.
func (o *Outbox) SetMaxAttempts(n int) {
	if n > 0 {
		o.maxAttempts = n
	}
}

// OnSettled registers fn to run when an entry leaves the queue, either
// delivered or given up on. It runs on the flushing goroutine.
func (o *Outbox) OnSettled(fn func(e Entry, delivered bool)) {
	o.onSettled = fn
}

func (o *Outbox) settled(e Entry, delivered bool) {
	if o.onSettled != nil {
		o.onSettled(e, delivered)
	}
}

// Enqueue stores a bind payload and returns its id.
func (o *Outbox) Enqueue(location string, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := o.db.Exec(
		`INSERT INTO binds (id, location, payload, created_at) VALUES (?, ?, ?, ?)`,
		id, location, payload, o.now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue bind for %s: %w", location, err)
	}
	o.logger.Info("bind queued", "id", id, "location", location)

	select {
	case o.kick <- struct{}{}:
	default:
	}
	return id, nil
}

// Pending returns unsent entries that still have attempts left, oldest first.
// limit <= 0 returns all of them.
func (o *Outbox) Pending(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := o.db.Query(
		`SELECT id, location, payload, created_at, attempts, last_error
		 FROM binds
		 WHERE sent_at IS NULL AND attempts < ?
		 ORDER BY created_at, rowid
		 LIMIT ?`,
		o.maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending binds: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.Location, &e.Payload, &created, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan pending bind: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries still waiting for delivery.
func (o *Outbox) Count() (int, error) {
	var n int
	err := o.db.QueryRow(
		`SELECT COUNT(*) FROM binds WHERE sent_at IS NULL AND attempts < ?`,
		o.maxAttempts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending binds: %w", err)
	}
	return n, nil
}

// MarkSent records a successful delivery.
func (o *Outbox) MarkSent(id string) error {
	return o.update(`UPDATE binds SET sent_at = ? WHERE id = ?`, o.now().UnixNano(), id)
}

// MarkFailed records a failed delivery attempt.
func (o *Outbox) MarkFailed(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return o.update(`UPDATE binds SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
}

func (o *Outbox) update(query string, args ...interface{}) error {
	res, err := o.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update bind: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update bind: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update bind: %w", sql.ErrNoRows)
	}
	return nil
}

// Prune deletes entries delivered before cutoff.
func (o *Outbox) Prune(cutoff time.Time) (int64, error) {
	res, err := o.db.Exec(`DELETE FROM binds WHERE sent_at IS NOT NULL AND sent_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune binds: %w", err)
	}
	return res.RowsAffected()
}

// Flush posts pending entries oldest first. Rejected entries are marked
// failed and skipped; a transport failure stops the flush so ordering is
// kept for the next one.
func (o *Outbox) Flush(ctx context.Context, poster Poster) (int, error) {
	entries, err := o.Pending(0)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, e := range entries {
		err := o.runner.Do(ctx, func(ctx context.Context) error {
			return classify(poster.PostBindRaw(ctx, e.Payload))
		})
		if err == nil {
			if err := o.MarkSent(e.ID); err != nil {
				return sent, err
			}
			sent++
			o.logger.Info("bind delivered", "id", e.ID, "location", e.Location)
			o.settled(e, true)
			continue
		}

		if merr := o.MarkFailed(e.ID, err); merr != nil {
			o.logger.Warn("could not record bind failure", "id", e.ID, "error", merr)
		}
		if e.Attempts+1 >= o.maxAttempts {
			o.logger.Warn("bind given up", "id", e.ID, "location", e.Location, "attempts", e.Attempts+1)
			o.settled(e, false)
		}
		if rejected(err) {
			o.logger.Warn("bind rejected by server", "id", e.ID, "location", e.Location, "error", err)
			continue
		}
		return sent, fmt.Errorf("flush bind %s: %w", e.ID, err)
	}
	return sent, nil
}

// classify marks client errors as permanent; retrying them cannot succeed.
func classify(err error) error {
	if rejected(err) {
		return retry.Permanent(err)
	}
	return err
}

func rejected(err error) bool {
	var te *sigserver.TransportError
	return errors.As(err, &te) && te.StatusCode >= 400 && te.StatusCode < 500 && te.StatusCode != http.StatusTooManyRequests
}

// Run flushes every interval and whenever a bind is enqueued, until ctx is done.
func (o *Outbox) Run(ctx context.Context, poster Poster, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.kick:
		}
		if n, err := o.Flush(ctx, poster); err != nil {
			o.logger.Warn("bind flush incomplete", "sent", n, "error", err)
		} else if n > 0 {
			o.logger.Debug("bind flush complete", "sent", n)
		}
	}
}
