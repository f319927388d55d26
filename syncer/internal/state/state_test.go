package state

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync_state.json")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

// WHAT: MarkProcessed tracks a new unit and survives reopening.
func TestMarkProcessedReopen(t *testing.T) {
	s, path := openTemp(t)

	if err := s.MarkProcessed("crm_1.deals", "crm", 1000); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if !s.Processed("crm_1.deals") {
		t.Fatal("unit not processed after MarkProcessed")
	}

	again, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e, ok := again.Entry("crm_1.deals")
	if !ok {
		t.Fatal("entry lost across reopen")
	}
	if e.Kind != "crm" || e.Status != StatusProcessed {
		t.Fatalf("entry = %+v, want kind=crm status=processed", e)
	}
	if e.FirstProcessed != 1000 || e.LastSynced != 1000 {
		t.Fatalf("timestamps = first %d last %d, want 1000/1000", e.FirstProcessed, e.LastSynced)
	}
}

// WHAT: re-marking a unit preserves FirstProcessed and advances LastSynced.
// WHY: FirstProcessed is the unit's ingestion birth date; repeated passes
// must not rewrite history.
func TestReMarkPreservesFirstProcessed(t *testing.T) {
	s, _ := openTemp(t)

	if err := s.MarkProcessed("mail_1.messages", "email", 1000); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := s.MarkProcessed("mail_1.messages", "email", 5000); err != nil {
		t.Fatalf("MarkProcessed again: %v", err)
	}
	e, _ := s.Entry("mail_1.messages")
	if e.FirstProcessed != 1000 {
		t.Fatalf("FirstProcessed = %d, want 1000", e.FirstProcessed)
	}
	if e.LastSynced != 5000 {
		t.Fatalf("LastSynced = %d, want 5000", e.LastSynced)
	}
}

// WHAT: MarkRemoved flags matching units without deleting their history,
// and a later MarkProcessed resurrects them.
// WHY: a source that disappears may reappear; its record must show both
// transitions rather than vanishing.
func TestRemoveAndResurrect(t *testing.T) {
	s, _ := openTemp(t)

	for _, unit := range []string{"crm_1.deals", "crm_1.contacts", "wh_1.facts"} {
		if err := s.MarkProcessed(unit, "crm", 1000); err != nil {
			t.Fatalf("MarkProcessed(%s): %v", unit, err)
		}
	}

	marked, err := s.MarkRemoved("crm_1", 2000)
	if err != nil {
		t.Fatalf("MarkRemoved: %v", err)
	}
	if marked != 2 {
		t.Fatalf("marked = %d, want 2", marked)
	}
	e, _ := s.Entry("crm_1.deals")
	if e.Status != StatusRemoved || e.RemovedAt == nil || *e.RemovedAt != 2000 {
		t.Fatalf("entry after removal = %+v, want removed at 2000", e)
	}
	if !s.Processed("wh_1.facts") {
		t.Fatal("unrelated unit was marked removed")
	}

	if err := s.MarkProcessed("crm_1.deals", "crm", 3000); err != nil {
		t.Fatalf("MarkProcessed after removal: %v", err)
	}
	e, _ = s.Entry("crm_1.deals")
	if e.Status != StatusProcessed || e.RemovedAt != nil {
		t.Fatalf("entry after resurrection = %+v, want processed with no removed_at", e)
	}
	if e.FirstProcessed != 1000 {
		t.Fatalf("FirstProcessed = %d after resurrection, want 1000", e.FirstProcessed)
	}
}

// WHAT: MarkRemoved matches an exact unit name as well as an instance prefix.
func TestMarkRemovedExactUnit(t *testing.T) {
	s, _ := openTemp(t)
	if err := s.MarkProcessed("crm_1.deals", "crm", 1000); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	marked, err := s.MarkRemoved("crm_1.deals", 2000)
	if err != nil {
		t.Fatalf("MarkRemoved: %v", err)
	}
	if marked != 1 {
		t.Fatalf("marked = %d, want 1", marked)
	}
	marked, err = s.MarkRemoved("nothing_here", 2000)
	if err != nil {
		t.Fatalf("MarkRemoved(miss): %v", err)
	}
	if marked != 0 {
		t.Fatalf("marked = %d for unknown name, want 0", marked)
	}
}

// WHAT: ProcessedUnits lists only live units, sorted.
func TestProcessedUnits(t *testing.T) {
	s, _ := openTemp(t)
	for _, unit := range []string{"b_1.t", "a_1.t", "c_1.t"} {
		if err := s.MarkProcessed(unit, "relational", 1000); err != nil {
			t.Fatalf("MarkProcessed(%s): %v", unit, err)
		}
	}
	if _, err := s.MarkRemoved("c_1.t", 2000); err != nil {
		t.Fatalf("MarkRemoved: %v", err)
	}
	got := s.ProcessedUnits()
	want := []string{"a_1.t", "b_1.t"}
	if len(got) != len(want) {
		t.Fatalf("ProcessedUnits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ProcessedUnits = %v, want %v", got, want)
		}
	}
}

// WHAT: BumpPass advances the pass counter and timestamp durably.
func TestBumpPass(t *testing.T) {
	s, path := openTemp(t)
	if err := s.BumpPass(1111); err != nil {
		t.Fatalf("BumpPass: %v", err)
	}
	if err := s.BumpPass(2222); err != nil {
		t.Fatalf("BumpPass: %v", err)
	}
	count, last := s.PassInfo()
	if count != 2 || last != 2222 {
		t.Fatalf("PassInfo = %d/%d, want 2/2222", count, last)
	}
	again, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	count, last = again.PassInfo()
	if count != 2 || last != 2222 {
		t.Fatalf("PassInfo after reopen = %d/%d, want 2/2222", count, last)
	}
}

// WHAT: Forget drops a unit record entirely.
func TestForget(t *testing.T) {
	s, _ := openTemp(t)
	if err := s.MarkProcessed("x_1.t", "relational", 1000); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := s.Forget("x_1.t"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok := s.Entry("x_1.t"); ok {
		t.Fatal("entry still present after Forget")
	}
	if err := s.Forget("x_1.t"); err != nil {
		t.Fatalf("second Forget: %v", err)
	}
}

// WHAT: a corrupt state document opens empty instead of failing.
// WHY: ingestion is idempotent, so starting over is safe; refusing to start
// is not.
func TestCorruptStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_state.json")
	if err := os.WriteFile(path, []byte("]["), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if units := s.Units(); len(units) != 0 {
		t.Fatalf("Units = %v, want empty", units)
	}
}
