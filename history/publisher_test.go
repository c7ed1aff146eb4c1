package history

import (
	"path/filepath"
	"testing"
	"time"

	"emberlink/config"
	"emberlink/publisher"
)

func testConfig(t *testing.T) config.PublisherConfig {
	t.Helper()
	return config.PublisherConfig{
		Name: "test",
		Kind: config.KindSQLite,
		SQLite: &config.SQLiteOptions{
			Path:      filepath.Join(t.TempDir(), "history.db"),
			BatchSize: 3,
		},
	}
}

func startPublisher(t *testing.T, cfg config.PublisherConfig) *Publisher {
	t.Helper()
	pub, err := New(cfg, publisher.Deps{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p := pub.(*Publisher)
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func TestNew(t *testing.T) {
	t.Run("missing options rejected", func(t *testing.T) {
		_, err := New(config.PublisherConfig{Name: "x", Kind: config.KindSQLite}, publisher.Deps{})
		if err == nil {
			t.Error("expected error for missing sqlite options")
		}
	})

	t.Run("missing path rejected", func(t *testing.T) {
		cfg := config.PublisherConfig{
			Name: "x", Kind: config.KindSQLite,
			SQLite: &config.SQLiteOptions{},
		}
		if _, err := New(cfg, publisher.Deps{}); err == nil {
			t.Error("expected error for missing path")
		}
	})
}

func TestBatchFlushOnThreshold(t *testing.T) {
	p := startPublisher(t, testConfig(t))

	// Batch size is 3; third publish triggers a flush
	for i := 1; i <= 3; i++ {
		p.Publish(publisher.Event{
			Tag: "Counter", Value: int64(i), Type: "int", Quality: "good",
			Timestamp: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}

	rows, err := p.History("Counter", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows after threshold flush, got %d", len(rows))
	}
	// Newest first
	if rows[0].Value != "3" || rows[2].Value != "1" {
		t.Errorf("unexpected row order: %v, %v, %v", rows[0].Value, rows[1].Value, rows[2].Value)
	}
	if h := p.Health(); h.Sent != 3 {
		t.Errorf("expected 3 sends counted, got %d", h.Sent)
	}
}

func TestPeriodicFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQLite.BatchSize = 100
	cfg.SQLite.FlushInterval = 50 * time.Millisecond
	p := startPublisher(t, cfg)

	p.Publish(publisher.Event{
		Tag: "Temperature", Value: 21.5, Type: "float", Quality: "good", Timestamp: time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := p.History("Temperature", 1)
		if err == nil && len(rows) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("row never flushed by the periodic flush loop")
}

func TestStopFlushesBuffer(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQLite.BatchSize = 100
	cfg.SQLite.FlushInterval = time.Hour

	pub, err := New(cfg, publisher.Deps{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p := pub.(*Publisher)
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	p.Publish(publisher.Event{
		Tag: "Status", Value: "Running", Type: "string", Quality: "good", Timestamp: time.Now(),
	})
	p.Stop()

	// Reopen and verify the row survived
	p2 := startPublisher(t, cfg)
	rows, err := p2.History("Status", 10)
	if err != nil {
		t.Fatalf("History after reopen: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != "Running" {
		t.Errorf("expected buffered row to be flushed on Stop, got %v", rows)
	}
}

func TestAuditEvents(t *testing.T) {
	p := startPublisher(t, testConfig(t))

	p.Audit("tag_write", "api", "Status = Stopped", "info")
	p.flush()

	var count int
	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if err := db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE event_type = 'tag_write'").Scan(&count); err != nil {
		t.Fatalf("query audit_log: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 tag_write audit row, got %d", count)
	}
}

func TestRetentionSweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQLite.RetentionDays = 7
	p := startPublisher(t, cfg)

	// Insert one expired and one fresh row directly
	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()

	old := time.Now().AddDate(0, 0, -30).UTC().Format(time.RFC3339Nano)
	fresh := time.Now().UTC().Format(time.RFC3339Nano)
	for _, ts := range []string{old, fresh} {
		if _, err := db.Exec(
			"INSERT INTO tag_history (tag_name, value, data_type, quality, timestamp) VALUES ('T', '1', 'int', 'good', ?)", ts); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	p.sweep()

	rows, err := p.History("T", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected sweep to leave 1 row, got %d", len(rows))
	}
}

func TestHistoryLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQLite.BatchSize = 1
	p := startPublisher(t, cfg)

	base := time.Now()
	for i := 0; i < 5; i++ {
		p.Publish(publisher.Event{
			Tag: "Counter", Value: int64(i), Type: "int", Quality: "good",
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	rows, err := p.History("Counter", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Value != "4" {
		t.Errorf("expected newest row first, got %v", rows[0].Value)
	}
}
