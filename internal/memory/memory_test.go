package memory

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// --- test helpers ---

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(types.MemoryConfig{Path: filepath.Join(t.TempDir(), "memory.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type record struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestPutGetRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v, err := s.Put(ctx, KindHypothesis, "h1", record{Name: "first", Value: 1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("expected version 1 on create, got %d", v)
	}

	var got record
	v, err = s.Get(ctx, KindHypothesis, "h1", &got)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 || got.Name != "first" {
		t.Fatalf("unexpected record: version=%d name=%q", v, got.Name)
	}

	n, err := s.Count(ctx, KindHypothesis)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
}

func TestPutVersionConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, KindRating, "h1", record{Value: 1}, 0); err != nil {
		t.Fatal(err)
	}

	// Create on an existing record conflicts.
	if _, err := s.Put(ctx, KindRating, "h1", record{Value: 2}, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// Update with a stale version conflicts; the correct version succeeds.
	if _, err := s.Put(ctx, KindRating, "h1", record{Value: 2}, 7); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale version, got %v", err)
	}
	v, err := s.Put(ctx, KindRating, "h1", record{Value: 2}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
}

func TestHistoryRetainsSupersededVersions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, KindGoal, "g1", record{Name: "original", Value: 1}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, KindGoal, "g1", record{Name: "revised", Value: 2}, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, KindGoal, "g1", record{Name: "revised again", Value: 3}, 2); err != nil {
		t.Fatal(err)
	}

	var names []string
	var versions []int64
	err := s.History(ctx, KindGoal, "g1", func(version int64, body []byte) error {
		var rec record
		if err := json.Unmarshal(body, &rec); err != nil {
			return err
		}
		names = append(names, rec.Name)
		versions = append(versions, version)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "original" || names[1] != "revised" {
		t.Fatalf("expected superseded bodies oldest first, got %v", names)
	}
	if versions[0] != 1 || versions[1] != 2 {
		t.Fatalf("expected history versions [1 2], got %v", versions)
	}

	// A record that was never overwritten has no history.
	if _, err := s.Put(ctx, KindGoal, "g2", record{Name: "fresh"}, 0); err != nil {
		t.Fatal(err)
	}
	err = s.History(ctx, KindGoal, "g2", func(version int64, body []byte) error {
		t.Fatalf("unexpected history row at version %d", version)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)

	var got record
	if _, err := s.Get(context.Background(), KindGoal, "missing", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutAllRollsBackOnConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, KindRating, "a", record{Value: 1}, 0); err != nil {
		t.Fatal(err)
	}

	// Second op carries a stale version; the first op must not survive.
	err := s.PutAll(ctx,
		Op{Kind: KindMatch, ID: "m1", Record: record{Name: "match"}, ExpectedVersion: 0},
		Op{Kind: KindRating, ID: "a", Record: record{Value: 2}, ExpectedVersion: 99},
	)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	var got record
	if _, err := s.Get(ctx, KindMatch, "m1", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("match should have rolled back, got %v", err)
	}
	if _, err := s.Get(ctx, KindRating, "a", &got); err != nil {
		t.Fatal(err)
	}
	if got.Value != 1 {
		t.Fatalf("rating should be unchanged, got %d", got.Value)
	}
}

func TestScanCommitOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"z", "a", "m"} {
		if _, err := s.Put(ctx, KindMatch, id, record{Value: i}, 0); err != nil {
			t.Fatal(err)
		}
	}

	var order []string
	err := s.Scan(ctx, KindMatch, func(id string, _ int64, _ []byte) error {
		order = append(order, id)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"z", "a", "m"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("scan order %v, want %v", order, want)
		}
	}
}

func TestTimelineAppendAndReplay(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seq1, err := s.AppendTimeline(ctx, TimelineSnapshot, map[string]int{"cycle": 1})
	if err != nil {
		t.Fatal(err)
	}
	seq2, err := s.AppendTimeline(ctx, TimelineSnapshot, map[string]int{"cycle": 2})
	if err != nil {
		t.Fatal(err)
	}
	if seq2 <= seq1 {
		t.Fatalf("timeline sequences not monotonic: %d then %d", seq1, seq2)
	}

	var cycles []int
	err = s.ScanTimeline(ctx, TimelineSnapshot, seq1, func(_ int64, payload []byte) error {
		var rec map[string]int
		if err := json.Unmarshal(payload, &rec); err != nil {
			return err
		}
		cycles = append(cycles, rec["cycle"])
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cycles) != 1 || cycles[0] != 2 {
		t.Fatalf("expected replay of cycle 2 only, got %v", cycles)
	}
}

func TestCheckpointPosition(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if cp, err := s.LastCheckpoint(ctx); err != nil || cp != 0 {
		t.Fatalf("fresh store checkpoint = %d, %v", cp, err)
	}

	seq, err := s.AppendTimeline(ctx, TimelineSnapshot, map[string]int{"cycle": 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}

	cp, err := s.LastCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cp != seq {
		t.Fatalf("checkpoint covers seq %d, want %d", cp, seq)
	}
}

// --- task queue ---

func TestTaskLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	task := types.Task{ID: "t1", Type: types.TaskReview, Targets: []string{"h1"}, Priority: 2}
	if err := s.EnqueueTask(ctx, task, 0); err != nil {
		t.Fatal(err)
	}

	got, err := s.DequeueTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "t1" || got.Status != types.TaskInProgress {
		t.Fatalf("unexpected dequeue result: %+v", got)
	}

	if err := s.CompleteTask(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	// done is terminal: completing again is a transition violation.
	if err := s.CompleteTask(ctx, "t1"); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected transition violation, got %v", err)
	}

	if next, err := s.DequeueTask(ctx); err != nil || next != nil {
		t.Fatalf("queue should be empty, got %+v, %v", next, err)
	}
}

func TestDequeuePriorityThenFIFO(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, task := range []types.Task{
		{ID: "low-1", Type: types.TaskGenerate, Priority: 5},
		{ID: "high-1", Type: types.TaskCompare, Priority: 1},
		{ID: "high-2", Type: types.TaskCompare, Priority: 1},
	} {
		if err := s.EnqueueTask(ctx, task, 0); err != nil {
			t.Fatal(err)
		}
	}

	var order []string
	for i := 0; i < 3; i++ {
		task, err := s.DequeueTask(ctx)
		if err != nil {
			t.Fatal(err)
		}
		order = append(order, task.ID)
	}
	want := []string{"high-1", "high-2", "low-1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dequeue order %v, want %v", order, want)
		}
	}
}

func TestFailTaskRequeuesThenDies(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.EnqueueTask(ctx, types.Task{ID: "t1", Type: types.TaskGenerate}, 0); err != nil {
		t.Fatal(err)
	}

	// retryLimit 2: first failure requeues, second kills.
	if _, err := s.DequeueTask(ctx); err != nil {
		t.Fatal(err)
	}
	status, err := s.FailTask(ctx, "t1", "agent timeout", 2)
	if err != nil {
		t.Fatal(err)
	}
	if status != types.TaskQueued {
		t.Fatalf("first failure should requeue, got %s", status)
	}

	if _, err := s.DequeueTask(ctx); err != nil {
		t.Fatal(err)
	}
	status, err = s.FailTask(ctx, "t1", "agent timeout", 2)
	if err != nil {
		t.Fatal(err)
	}
	if status != types.TaskDead {
		t.Fatalf("second failure should be dead, got %s", status)
	}

	dead, err := s.DeadTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].LastError != "agent timeout" {
		t.Fatalf("dead task not queryable: %+v", dead)
	}
}

func TestRecoverTasksRequeuesExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	cfg := types.MemoryConfig{Path: filepath.Join(dir, "memory.db")}
	ctx := context.Background()

	s, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueTask(ctx, types.Task{ID: "t1", Type: types.TaskReview}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DequeueTask(ctx); err != nil {
		t.Fatal(err)
	}
	// Simulated crash: close with the task still in-progress.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s2.Close() })

	recovered, err := s2.RecoverTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || recovered[0] != "t1" {
		t.Fatalf("expected [t1] recovered, got %v", recovered)
	}

	// A second recovery pass finds nothing: requeue happens exactly once.
	recovered, err = s2.RecoverTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 0 {
		t.Fatalf("expected no further recovery, got %v", recovered)
	}

	task, err := s2.DequeueTask(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || task.ID != "t1" {
		t.Fatalf("recovered task should be runnable, got %+v", task)
	}
	if err := s2.CompleteTask(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateBackpressure(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Fill the queue to the bound with review tasks.
	for _, id := range []string{"r1", "r2"} {
		if err := s.EnqueueTask(ctx, types.Task{ID: id, Type: types.TaskReview}, 2); err != nil {
			t.Fatal(err)
		}
	}

	// Generate is throttled at the bound; review still gets through.
	err := s.EnqueueTask(ctx, types.Task{ID: "g1", Type: types.TaskGenerate}, 2)
	if !errors.Is(err, ErrBacklogFull) {
		t.Fatalf("expected ErrBacklogFull for generate, got %v", err)
	}
	if err := s.EnqueueTask(ctx, types.Task{ID: "r3", Type: types.TaskReview}, 2); err != nil {
		t.Fatalf("review should bypass generate throttle: %v", err)
	}
}
