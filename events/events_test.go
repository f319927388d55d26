package events_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/kbsync/dbopen"
	"github.com/hazyhaar/kbsync/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newLog(t *testing.T) *events.Log {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(events.Schema))
	l := events.New(db, testLogger(), 8)
	t.Cleanup(func() { l.Close() })
	return l
}

// WHAT: events round-trip through the log with filters applied, newest
// first.
func TestWriteAndQuery(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	seed := []*events.Event{
		{Type: events.TypePass, Action: "completed", Success: true, CreatedAt: 1000,
			Details: map[string]any{"units": 3}},
		{Type: events.TypeUnit, Instance: "crm_1", Unit: "crm_1.deals", Action: "ingested",
			Success: true, CreatedAt: 2000},
		{Type: events.TypeUnit, Instance: "mail_1", Unit: "mail_1.messages", Action: "skipped",
			Success: false, CreatedAt: 3000},
	}
	for _, e := range seed {
		if err := l.Write(ctx, e); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	all, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("events = %d, want 3", len(all))
	}
	if all[0].Unit != "mail_1.messages" || all[2].Type != events.TypePass {
		t.Fatalf("order wrong: %v then %v", all[0].Unit, all[2].Type)
	}
	if all[0].Success {
		t.Error("skip event should carry success=false")
	}
	if got := all[2].Details["units"]; got != float64(3) {
		t.Errorf("details lost: %v", all[2].Details)
	}

	units, err := l.Query(ctx, events.Filter{Type: events.TypeUnit})
	if err != nil {
		t.Fatalf("Query type: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("type filter = %d, want 2", len(units))
	}

	crm, err := l.Query(ctx, events.Filter{Unit: "crm_1.deals"})
	if err != nil {
		t.Fatalf("Query unit: %v", err)
	}
	if len(crm) != 1 || crm[0].Action != "ingested" {
		t.Fatalf("unit filter = %+v", crm)
	}

	since, err := l.Query(ctx, events.Filter{Since: 2000})
	if err != nil {
		t.Fatalf("Query since: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("since filter = %d, want 2", len(since))
	}
}

// WHAT: async-recorded events are all persisted once Close has drained,
// including those that overflow the buffer into the sync path.
func TestRecordDrainsOnClose(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(events.Schema))
	l := events.New(db, testLogger(), 2)

	for i := 0; i < 10; i++ {
		l.Record(&events.Event{Type: events.TypeJob, Action: "run", Success: true})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := l.Recent(context.Background(), 50)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("events = %d, want 10", len(got))
	}
}

// WHAT: Cleanup removes events past the retention window and keeps the rest.
func TestCleanup(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	old := now - (48 * time.Hour).Milliseconds()
	if err := l.Write(ctx, &events.Event{Type: events.TypePass, Action: "completed", CreatedAt: old}); err != nil {
		t.Fatalf("Write old: %v", err)
	}
	if err := l.Write(ctx, &events.Event{Type: events.TypePass, Action: "completed", CreatedAt: now}); err != nil {
		t.Fatalf("Write new: %v", err)
	}

	deleted, err := l.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	left, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(left) != 1 || left[0].CreatedAt != now {
		t.Fatalf("left = %+v", left)
	}
}
