// Package history persists tag values and audit events to a local
// SQLite database. Updates are buffered and written in batches, with a
// periodic flush and an optional retention sweep.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"emberlink/config"
	"emberlink/logging"
	"emberlink/publisher"
)

// DefaultBatchSize is the buffered row count that triggers a flush.
const DefaultBatchSize = 100

// DefaultFlushInterval is how often a partial buffer gets flushed.
const DefaultFlushInterval = 5 * time.Second

// retentionSweepInterval is how often expired rows are deleted.
const retentionSweepInterval = 1 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS tag_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tag_name TEXT NOT NULL,
    value TEXT NOT NULL,
    data_type TEXT NOT NULL,
    quality TEXT NOT NULL DEFAULT 'good',
    timestamp TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tag_history_tag_name ON tag_history(tag_name);
CREATE INDEX IF NOT EXISTS idx_tag_history_timestamp ON tag_history(timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    event_source TEXT NOT NULL,
    event_details TEXT,
    severity TEXT NOT NULL DEFAULT 'info',
    timestamp TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp DESC);
`

func init() {
	publisher.RegisterKind(config.KindSQLite, New)
}

// Row is one buffered tag history entry.
type Row struct {
	Tag       string
	Value     string
	Type      string
	Quality   string
	Timestamp time.Time
}

// AuditEvent is one audit log entry.
type AuditEvent struct {
	Type      string
	Source    string
	Details   string
	Severity  string
	Timestamp time.Time
}

// Publisher buffers tag updates and writes them to SQLite in batches.
type Publisher struct {
	name string
	cfg  config.SQLiteOptions

	db      *sql.DB
	running bool
	mu      sync.RWMutex

	bufMu    sync.Mutex
	buffer   []Row
	auditBuf []AuditEvent

	stopChan chan struct{}
	wg       sync.WaitGroup

	stats publisher.Stats
}

// New creates a SQLite history publisher from config.
func New(cfg config.PublisherConfig, _ publisher.Deps) (publisher.Publisher, error) {
	if cfg.SQLite == nil {
		return nil, fmt.Errorf("sqlite publisher %q: missing sqlite options", cfg.Name)
	}
	if cfg.SQLite.Path == "" {
		return nil, fmt.Errorf("sqlite publisher %q: missing database path", cfg.Name)
	}
	return &Publisher{
		name:     cfg.Name,
		cfg:      *cfg.SQLite,
		stopChan: make(chan struct{}),
	}, nil
}

// Name returns the publisher's name.
func (p *Publisher) Name() string { return p.name }

// Kind returns "sqlite".
func (p *Publisher) Kind() string { return config.KindSQLite }

func (p *Publisher) batchSize() int {
	if p.cfg.BatchSize > 0 {
		return p.cfg.BatchSize
	}
	return DefaultBatchSize
}

func (p *Publisher) flushInterval() time.Duration {
	if p.cfg.FlushInterval > 0 {
		return p.cfg.FlushInterval
	}
	return DefaultFlushInterval
}

// Start opens the database, runs the schema and launches the flush loop.
func (p *Publisher) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if dir := filepath.Dir(p.cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := p.cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("apply schema: %w", err)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		db.Close()
		return nil
	}
	p.db = db
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.stats.SetConnected(true)
	logging.DebugLog("sqlite", "%s: history database open at %s", p.name, p.cfg.Path)

	p.audit(AuditEvent{
		Type: "system", Source: p.name, Details: "history publisher started",
		Severity: "info", Timestamp: time.Now(),
	})

	p.wg.Add(1)
	go p.flushLoop()
	return nil
}

// Stop flushes the buffers and closes the database.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("sqlite", "%s: timeout waiting for flush loop", p.name)
	}

	p.audit(AuditEvent{
		Type: "system", Source: p.name, Details: "history publisher stopped",
		Severity: "info", Timestamp: time.Now(),
	})
	p.flush()

	p.mu.Lock()
	db := p.db
	p.db = nil
	p.mu.Unlock()
	if db != nil {
		db.Close()
	}
	p.stats.SetConnected(false)
}

// Publish buffers one tag update. The buffer is flushed when it reaches
// the batch size.
func (p *Publisher) Publish(ev publisher.Event) {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	p.bufMu.Lock()
	p.buffer = append(p.buffer, Row{
		Tag:       ev.Tag,
		Value:     fmt.Sprintf("%v", ev.Value),
		Type:      ev.Type,
		Quality:   ev.Quality,
		Timestamp: ev.Timestamp,
	})
	full := len(p.buffer) >= p.batchSize()
	p.bufMu.Unlock()

	if full {
		p.flush()
	}
}

// Health returns the publisher's runtime state.
func (p *Publisher) Health() publisher.Health {
	return p.stats.Snapshot(p.name, config.KindSQLite)
}

// audit buffers one audit event.
func (p *Publisher) audit(ev AuditEvent) {
	if ev.Severity == "" {
		ev.Severity = "info"
	}
	p.bufMu.Lock()
	p.auditBuf = append(p.auditBuf, ev)
	p.bufMu.Unlock()
}

// Audit records an external audit event (tag writes, config changes).
func (p *Publisher) Audit(eventType, source, details, severity string) {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}
	p.audit(AuditEvent{
		Type: eventType, Source: source, Details: details,
		Severity: severity, Timestamp: time.Now(),
	})
}

// flushLoop periodically flushes partial buffers and sweeps expired rows.
func (p *Publisher) flushLoop() {
	defer p.wg.Done()

	flushTicker := time.NewTicker(p.flushInterval())
	defer flushTicker.Stop()

	sweepTicker := time.NewTicker(retentionSweepInterval)
	defer sweepTicker.Stop()

	// Sweep once at startup so stale rows don't wait an hour
	p.sweep()

	for {
		select {
		case <-p.stopChan:
			return
		case <-flushTicker.C:
			p.flush()
		case <-sweepTicker.C:
			p.sweep()
		}
	}
}

// flush writes both buffers in one transaction.
func (p *Publisher) flush() {
	p.bufMu.Lock()
	rows := p.buffer
	audits := p.auditBuf
	p.buffer = nil
	p.auditBuf = nil
	p.bufMu.Unlock()

	if len(rows) == 0 && len(audits) == 0 {
		return
	}

	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if db == nil {
		return
	}

	tx, err := db.Begin()
	if err != nil {
		p.countFlushError(len(rows), err)
		return
	}

	if len(rows) > 0 {
		stmt, err := tx.Prepare(
			"INSERT INTO tag_history (tag_name, value, data_type, quality, timestamp) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			tx.Rollback()
			p.countFlushError(len(rows), err)
			return
		}
		for _, r := range rows {
			if _, err := stmt.Exec(r.Tag, r.Value, r.Type, r.Quality, r.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
				stmt.Close()
				tx.Rollback()
				p.countFlushError(len(rows), err)
				return
			}
		}
		stmt.Close()
	}

	for _, a := range audits {
		_, err := tx.Exec(
			"INSERT INTO audit_log (event_type, event_source, event_details, severity, timestamp) VALUES (?, ?, ?, ?, ?)",
			a.Type, a.Source, a.Details, a.Severity, a.Timestamp.UTC().Format(time.RFC3339Nano))
		if err != nil {
			tx.Rollback()
			p.countFlushError(len(rows), err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		p.countFlushError(len(rows), err)
		return
	}

	for range rows {
		p.stats.CountSent()
	}
	if len(rows) > 0 {
		logging.DebugLog("sqlite", "%s: flushed %d history rows, %d audit events",
			p.name, len(rows), len(audits))
	}
}

func (p *Publisher) countFlushError(n int, err error) {
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.stats.CountError(err)
	}
	logging.DebugLog("sqlite", "%s: flush failed: %v", p.name, err)
}

// sweep deletes rows older than the retention window.
func (p *Publisher) sweep() {
	if p.cfg.RetentionDays <= 0 {
		return
	}

	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if db == nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -p.cfg.RetentionDays).UTC().Format(time.RFC3339Nano)

	for _, table := range []string{"tag_history", "audit_log"} {
		res, err := db.Exec("DELETE FROM "+table+" WHERE timestamp < ?", cutoff)
		if err != nil {
			p.stats.CountError(err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			logging.DebugLog("sqlite", "%s: retention sweep removed %d rows from %s", p.name, n, table)
		}
	}
}

// History returns the most recent rows for one tag, newest first.
func (p *Publisher) History(tag string, limit int) ([]Row, error) {
	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if db == nil {
		return nil, fmt.Errorf("history database not open")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(
		"SELECT tag_name, value, data_type, quality, timestamp FROM tag_history WHERE tag_name = ? ORDER BY timestamp DESC LIMIT ?",
		tag, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var ts string
		if err := rows.Scan(&r.Tag, &r.Value, &r.Type, &r.Quality, &ts); err != nil {
			return nil, err
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
