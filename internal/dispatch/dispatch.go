// Package dispatch runs pending backup requests in the background with a
// bounded number of concurrent pipeline runs.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/expensebackup/internal/model"
)

// ErrInFlight is returned by RunNow when the request is already running.
var ErrInFlight = errors.New("backup request is already running")

// Lister returns PENDING requests, oldest first.
type Lister interface {
	ListPending(ctx context.Context, limit int) ([]model.BackupRequest, error)
}

// Runner executes one request and reports pipeline success.
type Runner interface {
	Run(ctx context.Context, id string) bool
}

type Config struct {
	Workers      int
	PollInterval time.Duration
}

// Dispatcher polls for pending requests and hands them to the Runner.
type Dispatcher struct {
	lister   Lister
	runner   Runner
	cfg      Config
	logger   *slog.Logger
	wake     chan struct{}
	group    *errgroup.Group
	mu       sync.Mutex
	inFlight map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(lister Lister, runner Runner, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	g := &errgroup.Group{}
	g.SetLimit(cfg.Workers)
	return &Dispatcher{
		lister:   lister,
		runner:   runner,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		wake:     make(chan struct{}, 1),
		group:    g,
		inFlight: make(map[string]struct{}),
	}
}

// Start begins the poll loop. Stop cancels it and waits for running requests.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()

		d.Poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Poll(ctx)
			case <-d.wake:
				d.Poll(ctx)
			}
		}
	}()
}

// Stop cancels the poll loop and waits for in-flight runs to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	d.group.Wait()
}

// Wake asks the loop to poll now instead of waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Poll starts runs for pending requests while worker slots are free and
// returns how many it started.
func (d *Dispatcher) Poll(ctx context.Context) int {
	pending, err := d.lister.ListPending(ctx, d.cfg.Workers*4)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("list pending backups", "error", err)
		}
		return 0
	}

	// Runs outlive the poll loop so Stop can drain them.
	runCtx := context.WithoutCancel(ctx)
	started := 0
	for _, req := range pending {
		if !d.claim(req.ID) {
			continue
		}
		id := req.ID
		ok := d.group.TryGo(func() error {
			defer d.release(id)
			d.run(runCtx, id)
			return nil
		})
		if !ok {
			d.release(id)
			break
		}
		started++
	}
	if started > 0 {
		d.logger.Debug("dispatched backups", "count", started)
	}
	return started
}

// RunNow runs id synchronously in the caller's goroutine, unless the
// dispatcher is already running it.
func (d *Dispatcher) RunNow(ctx context.Context, id string) (bool, error) {
	if !d.claim(id) {
		return false, ErrInFlight
	}
	defer d.release(id)
	return d.runner.Run(ctx, id), nil
}

// InFlight returns the number of requests currently running.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

func (d *Dispatcher) run(ctx context.Context, id string) {
	ok := d.runner.Run(ctx, id)
	d.logger.Info("backup run finished", "backup_id", id, "success", ok)
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[id]; ok {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inFlight, id)
	d.mu.Unlock()
}
