package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dukerupert/expensebackup/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeQueue lists ids that have not been run yet.
type fakeQueue struct {
	mu      sync.Mutex
	pending []string
	done    map[string]int
	listErr error
}

func newFakeQueue(n int) *fakeQueue {
	q := &fakeQueue{done: make(map[string]int)}
	for i := 0; i < n; i++ {
		q.pending = append(q.pending, fmt.Sprintf("b-%d", i))
	}
	return q
}

func (q *fakeQueue) ListPending(_ context.Context, limit int) ([]model.BackupRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listErr != nil {
		return nil, q.listErr
	}
	var out []model.BackupRequest
	for _, id := range q.pending {
		if q.done[id] > 0 {
			continue
		}
		out = append(out, model.BackupRequest{ID: id, CurrentState: model.BackupStatePending})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *fakeQueue) finish(id string) {
	q.mu.Lock()
	q.done[id]++
	q.mu.Unlock()
}

func (q *fakeQueue) runs(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done[id]
}

// blockingRunner holds every run until release is closed.
type blockingRunner struct {
	queue   *fakeQueue
	release chan struct{}
	current atomic.Int32
	max     atomic.Int32
}

func (r *blockingRunner) Run(_ context.Context, id string) bool {
	// A poll may list a request just before its run finishes; the pipeline
	// treats such a rerun as a no-op.
	if r.queue.runs(id) > 0 {
		return true
	}
	n := r.current.Add(1)
	for {
		m := r.max.Load()
		if n <= m || r.max.CompareAndSwap(m, n) {
			break
		}
	}
	<-r.release
	r.current.Add(-1)
	r.queue.finish(id)
	return true
}

func TestPollBoundsConcurrency(t *testing.T) {
	q := newFakeQueue(10)
	r := &blockingRunner{queue: q, release: make(chan struct{})}
	d := New(q, r, Config{Workers: 3, PollInterval: time.Hour}, discardLogger())

	if got := d.Poll(context.Background()); got != 3 {
		t.Fatalf("first poll started %d, want 3", got)
	}
	if got := d.Poll(context.Background()); got != 0 {
		t.Fatalf("second poll started %d, want 0 while workers are busy", got)
	}
	if got := d.InFlight(); got != 3 {
		t.Errorf("in flight = %d, want 3", got)
	}

	close(r.release)
	d.Stop()

	if got := r.max.Load(); got != 3 {
		t.Errorf("max concurrent runs = %d, want 3", got)
	}
	if got := d.InFlight(); got != 0 {
		t.Errorf("in flight after stop = %d, want 0", got)
	}
}

func TestRunNowRejectsInFlight(t *testing.T) {
	q := newFakeQueue(1)
	r := &blockingRunner{queue: q, release: make(chan struct{})}
	d := New(q, r, Config{Workers: 2}, discardLogger())

	if got := d.Poll(context.Background()); got != 1 {
		t.Fatalf("poll started %d, want 1", got)
	}
	if _, err := d.RunNow(context.Background(), "b-0"); !errors.Is(err, ErrInFlight) {
		t.Errorf("RunNow err = %v, want ErrInFlight", err)
	}

	close(r.release)
	d.Stop()

	ok, err := d.RunNow(context.Background(), "b-0")
	if err != nil || !ok {
		t.Errorf("RunNow after completion = %v, %v", ok, err)
	}
}

func TestStartRunsEveryRequestOnce(t *testing.T) {
	q := newFakeQueue(8)
	r := &blockingRunner{queue: q, release: make(chan struct{})}
	close(r.release)
	d := New(q, r, Config{Workers: 2, PollInterval: 5 * time.Millisecond}, discardLogger())

	d.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for {
		all := true
		for _, id := range q.pending {
			if q.runs(id) == 0 {
				all = false
			}
		}
		if all {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("not every request ran")
		}
		d.Wake()
		time.Sleep(5 * time.Millisecond)
	}
	d.Stop()

	for _, id := range q.pending {
		if n := q.runs(id); n != 1 {
			t.Errorf("%s ran %d times, want 1", id, n)
		}
	}
	if got := r.max.Load(); got > 2 {
		t.Errorf("max concurrent runs = %d, want <= 2", got)
	}
}

func TestPollListError(t *testing.T) {
	q := newFakeQueue(0)
	q.listErr = errors.New("database is locked")
	d := New(q, &blockingRunner{queue: q, release: make(chan struct{})}, Config{}, discardLogger())

	if got := d.Poll(context.Background()); got != 0 {
		t.Errorf("poll started %d, want 0", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	q := newFakeQueue(0)
	d := New(q, &blockingRunner{queue: q}, Config{}, discardLogger())
	d.Stop()
}
