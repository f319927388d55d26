package jobs_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/kbsync/dbopen"
	"github.com/hazyhaar/kbsync/syncer/internal/jobs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newQueue(t *testing.T) *jobs.Queue {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(jobs.Schema))
	return jobs.New(db, testLogger())
}

// WHAT: Ensure creates a job once; the second call reports already_exists
// without touching the schedule, even when the unit count changed.
// WHY: every sync pass re-ensures jobs for known instances, which must not
// reset their cadence.
func TestEnsureIdempotent(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	status, err := q.Ensure(ctx, "crm_1", 1, time.Hour)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if status != jobs.StatusCreated {
		t.Fatalf("status = %q, want created", status)
	}
	first, err := q.Get(ctx, "crm_1")
	if err != nil || first == nil {
		t.Fatalf("Get: %v, job %v", err, first)
	}
	if first.Name != "kb_sync_crm_1" {
		t.Fatalf("Name = %q, want kb_sync_ prefix", first.Name)
	}
	if first.UnitCount != 1 {
		t.Fatalf("UnitCount = %d, want 1", first.UnitCount)
	}

	status, err = q.Ensure(ctx, "crm_1", 3, time.Minute)
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if status != jobs.StatusAlreadyExists {
		t.Fatalf("status = %q, want already_exists", status)
	}
	second, _ := q.Get(ctx, "crm_1")
	if second.NextRunAt != first.NextRunAt || second.IntervalMs != first.IntervalMs {
		t.Fatalf("schedule changed on re-ensure: %+v -> %+v", first, second)
	}
	if second.UnitCount != 3 {
		t.Fatalf("UnitCount not refreshed: got %d, want 3", second.UnitCount)
	}
}

// WHAT: Ensure with zero units reports failed and creates nothing.
// WHY: an instance whose every table is unreachable must not get a silent
// empty job that looks healthy in status output.
func TestEnsureZeroUnitsFails(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	status, err := q.Ensure(ctx, "dead_1", 0, time.Hour)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if status != jobs.StatusFailed {
		t.Fatalf("status = %q, want failed", status)
	}
	j, err := q.Get(ctx, "dead_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j != nil {
		t.Fatalf("job created despite zero units: %+v", j)
	}
}

// WHAT: Drop reports dropped for an existing job, not_found otherwise.
func TestDrop(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	if _, err := q.Ensure(ctx, "wh_1", 2, time.Hour); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	status, err := q.Drop(ctx, "wh_1")
	if err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if status != jobs.StatusDropped {
		t.Fatalf("status = %q, want dropped", status)
	}
	status, err = q.Drop(ctx, "wh_1")
	if err != nil {
		t.Fatalf("Drop again: %v", err)
	}
	if status != jobs.StatusNotFound {
		t.Fatalf("status = %q, want not_found", status)
	}
}

// WHAT: Due claims jobs atomically and advances them one interval, so a
// second claim at the same instant returns nothing.
// WHY: two runners sharing the engine database must never double-fire an
// instance.
func TestDueClaimsOnce(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	if _, err := q.Ensure(ctx, "crm_1", 1, time.Hour); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	j, _ := q.Get(ctx, "crm_1")

	now := j.NextRunAt + 1
	due, err := q.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].Instance != "crm_1" {
		t.Fatalf("due = %+v, want crm_1", due)
	}
	if due[0].RunCount != 1 {
		t.Fatalf("RunCount = %d, want 1", due[0].RunCount)
	}

	again, err := q.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("Due again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim = %+v, want empty", again)
	}

	reclaim, err := q.Due(ctx, now+time.Hour.Milliseconds()+1, 10)
	if err != nil {
		t.Fatalf("Due after interval: %v", err)
	}
	if len(reclaim) != 1 {
		t.Fatalf("claim after interval = %+v, want the job again", reclaim)
	}
}

// WHAT: Due honours the batch limit and claims oldest first.
func TestDueBatchLimit(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	for _, instance := range []string{"a_1", "b_1", "c_1"} {
		if _, err := q.Ensure(ctx, instance, 1, time.Hour); err != nil {
			t.Fatalf("Ensure(%s): %v", instance, err)
		}
	}
	far := time.Now().Add(2 * time.Hour).UnixMilli()
	due, err := q.Due(ctx, far, 2)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(due))
	}
	rest, err := q.Due(ctx, far, 2)
	if err != nil {
		t.Fatalf("Due rest: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("claimed %d jobs on second batch, want 1", len(rest))
	}
}

// WHAT: RecordResult tracks status and failure streaks.
func TestRecordResult(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	if _, err := q.Ensure(ctx, "m_1", 1, time.Hour); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if err := q.RecordResult(ctx, "m_1", 1000, errors.New("source offline")); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	j, _ := q.Get(ctx, "m_1")
	if j.LastStatus != "error" || j.FailCount != 1 || j.LastError != "source offline" {
		t.Fatalf("job after failure = %+v", j)
	}
	if j.LastRunAt == nil || *j.LastRunAt != 1000 {
		t.Fatalf("LastRunAt = %v, want 1000", j.LastRunAt)
	}

	if err := q.RecordResult(ctx, "m_1", 2000, nil); err != nil {
		t.Fatalf("RecordResult ok: %v", err)
	}
	j, _ = q.Get(ctx, "m_1")
	if j.LastStatus != "ok" || j.FailCount != 0 || j.LastError != "" {
		t.Fatalf("job after success = %+v", j)
	}
}

// WHAT: Reconcile creates jobs for new instances and drops jobs for
// vanished ones, leaving surviving jobs untouched.
func TestReconcile(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	if _, err := q.Ensure(ctx, "old_1", 1, time.Hour); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := q.Ensure(ctx, "keep_1", 1, time.Hour); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	kept, _ := q.Get(ctx, "keep_1")

	groups := map[string]int{
		"keep_1": 1,
		"new_1":  2,
	}
	created, dropped, err := q.Reconcile(ctx, groups, time.Hour)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(created) != 1 || created[0] != "new_1" {
		t.Fatalf("created = %v, want [new_1]", created)
	}
	if len(dropped) != 1 || dropped[0] != "old_1" {
		t.Fatalf("dropped = %v, want [old_1]", dropped)
	}

	after, _ := q.Get(ctx, "keep_1")
	if after.NextRunAt != kept.NextRunAt {
		t.Fatalf("surviving job rescheduled: %+v -> %+v", kept, after)
	}
	n, _ := q.Count(ctx)
	if n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
}

// WHAT: Reconcile twice with the same groups is a no-op the second time.
func TestReconcileIdempotent(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	groups := map[string]int{"crm_1": 1, "wh_1": 2}
	if _, _, err := q.Reconcile(ctx, groups, time.Hour); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	created, dropped, err := q.Reconcile(ctx, groups, time.Hour)
	if err != nil {
		t.Fatalf("Reconcile again: %v", err)
	}
	if len(created) != 0 || len(dropped) != 0 {
		t.Fatalf("second reconcile changed jobs: created=%v dropped=%v", created, dropped)
	}
}

// WHAT: an instance whose group dropped to zero units loses its job.
func TestReconcileDropsEmptyGroup(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	if _, err := q.Ensure(ctx, "crm_1", 2, time.Hour); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	created, dropped, err := q.Reconcile(ctx, map[string]int{"crm_1": 0}, time.Hour)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("created = %v, want none", created)
	}
	if len(dropped) != 1 || dropped[0] != "crm_1" {
		t.Fatalf("dropped = %v, want [crm_1]", dropped)
	}
}

// WHAT: the runner claims a due job, invokes the callback and records the
// outcome.
func TestRunnerExecutesDueJob(t *testing.T) {
	q := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// interval of 1ms makes the job due almost immediately after creation.
	if _, err := q.Ensure(ctx, "crm_1", 1, time.Millisecond); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	ran := make(chan jobs.Job, 1)
	r := jobs.NewRunner(q, func(ctx context.Context, j jobs.Job) error {
		select {
		case ran <- j:
		default:
		}
		return nil
	}, jobs.RunnerOptions{Tick: 5 * time.Millisecond, Batch: 2, Logger: testLogger()})

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case j := <-ran:
		if j.Instance != "crm_1" {
			t.Fatalf("ran instance = %q, want crm_1", j.Instance)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner never executed the due job")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on context cancel")
	}

	j, err := q.Get(context.Background(), "crm_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.LastStatus != "ok" {
		t.Fatalf("LastStatus = %q, want ok", j.LastStatus)
	}
}
