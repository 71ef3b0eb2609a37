// Package audit keeps a durable history of finished selections in SQLite and
// prunes it on a cron schedule.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/logx"
)

// SelectionRecord is one finished selection
type SelectionRecord struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Class      string    `json:"class"`
	Caller     string    `json:"caller,omitempty"`
	Result     string    `json:"result"`
	SubID      int       `json:"sub_id"`
	DurationMS int64     `json:"duration_ms"`
}

// Config controls the history database
type Config struct {
	DatabasePath   string
	RetentionHours int
	PruneSchedule  string
}

// History records selection_finished events
type History struct {
	db        *sql.DB
	logger    *logx.Logger
	retention time.Duration
	schedule  string

	perf *logx.PerformanceLogger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewHistory opens (or creates) the history database
func NewHistory(cfg Config, logger *logx.Logger) (*History, error) {
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 72
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = "@hourly"
	}
	if _, err := cron.ParseStandard(cfg.PruneSchedule); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.PruneSchedule, err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	h := &History{
		db:        db,
		logger:    logger,
		retention: time.Duration(cfg.RetentionHours) * time.Hour,
		schedule:  cfg.PruneSchedule,
	}
	if err := h.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}

	logger.Info("Selection history opened",
		"database_path", cfg.DatabasePath,
		"retention_hours", cfg.RetentionHours,
		"prune_schedule", cfg.PruneSchedule,
	)
	return h, nil
}

func (h *History) initializeDatabase() error {
	_, err := h.db.Exec(`
	CREATE TABLE IF NOT EXISTS selections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		request_id TEXT NOT NULL,
		class TEXT NOT NULL,
		caller TEXT,
		result TEXT NOT NULL,
		sub_id INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_selections_timestamp ON selections(timestamp);
	`)
	return err
}

// SetPerformance records history write timings under "history_write"
func (h *History) SetPerformance(pl *logx.PerformanceLogger) {
	h.perf = pl
}

// Emit stores selection_finished events and ignores the rest. It implements
// pkg.EventSink.
func (h *History) Emit(e *pkg.Event) {
	if e == nil || e.Type != pkg.EventSelectionFinished {
		return
	}
	rec := &SelectionRecord{
		Timestamp: e.Timestamp,
		RequestID: e.RequestID,
		Class:     e.Class,
		Result:    e.Result,
		SubID:     e.SubID,
	}
	if caller, ok := e.Detail["caller"].(string); ok {
		rec.Caller = caller
	}
	if d, ok := e.Detail["duration_ms"].(int64); ok {
		rec.DurationMS = d
	}
	var op *logx.PerformanceContext
	if h.perf != nil {
		op = h.perf.StartOperation(context.Background(), "history_write")
	}
	err := h.Record(rec)
	if op != nil {
		op.Complete(err)
	}
	if err != nil {
		h.logger.Error("Failed to record selection", "request_id", e.RequestID, "error", err)
	}
}

// Record inserts a selection record
func (h *History) Record(rec *SelectionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	res, err := h.db.Exec(
		`INSERT INTO selections (timestamp, request_id, class, caller, result, sub_id, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixNano(), rec.RequestID, rec.Class, rec.Caller, rec.Result, rec.SubID, rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert selection: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// Recent returns up to limit records, newest first
func (h *History) Recent(limit int) ([]*SelectionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.Query(
		`SELECT id, timestamp, request_id, class, caller, result, sub_id, duration_ms
		 FROM selections ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query selections: %w", err)
	}
	defer rows.Close()

	var out []*SelectionRecord
	for rows.Next() {
		var (
			rec    SelectionRecord
			ts     int64
			caller sql.NullString
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.RequestID, &rec.Class, &caller, &rec.Result, &rec.SubID, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("scan selection: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		rec.Caller = caller.String
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Stats counts stored records per result
func (h *History) Stats() (map[string]int, error) {
	rows, err := h.db.Query(`SELECT result, COUNT(*) FROM selections GROUP BY result`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var result string
		var n int
		if err := rows.Scan(&result, &n); err != nil {
			return nil, err
		}
		out[result] = n
	}
	return out, rows.Err()
}

// Prune deletes records older than before and returns how many were removed
func (h *History) Prune(before time.Time) (int64, error) {
	res, err := h.db.Exec(`DELETE FROM selections WHERE timestamp < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune selections: %w", err)
	}
	return res.RowsAffected()
}

func (h *History) pruneExpired() {
	n, err := h.Prune(time.Now().Add(-h.retention))
	if err != nil {
		h.logger.Warn("History prune failed", "error", err)
		return
	}
	if n > 0 {
		h.logger.Debug("History pruned", "removed", n)
	}
}

// StartPruner runs retention pruning on the configured schedule
func (h *History) StartPruner() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(h.schedule, h.pruneExpired); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	c.Start()
	h.cron = c
	return nil
}

// Close stops the pruner and closes the database
func (h *History) Close() error {
	h.mu.Lock()
	c := h.cron
	h.cron = nil
	h.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	return h.db.Close()
}
