// Package pipeline runs a backup request from PENDING to a terminal state:
// fetch records, build the archive, upload it, email a signed link, and
// persist the outcome.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/dukerupert/expensebackup/internal/archive"
	"github.com/dukerupert/expensebackup/internal/backuperr"
	"github.com/dukerupert/expensebackup/internal/metrics"
	"github.com/dukerupert/expensebackup/internal/model"
	"github.com/dukerupert/expensebackup/internal/objectstore"
)

// Store is the persistence the pipeline needs. The pipeline is the only
// writer of a request's state, object key and error message.
type Store interface {
	GetByID(ctx context.Context, id string) (*model.BackupRequest, error)
	OpenCredential(b *model.BackupRequest) (string, error)
	MarkNoData(ctx context.Context, id string) error
	MarkReady(ctx context.Context, id, objectKey string) error
	MarkFailed(ctx context.Context, id, message string) error
	SetNotified(ctx context.Context, id string, at time.Time) error
}

// Upstream is a tenant-scoped expense API client.
type Upstream interface {
	archive.AttachmentSource
	FetchRecords(ctx context.Context, f model.Filters) ([]model.FetchedRecord, error)
	FetchRequesterProfile(ctx context.Context) (model.Profile, error)
}

// UpstreamFactory builds an Upstream for a tenant credential.
type UpstreamFactory func(credential string) Upstream

// Archiver builds archives on local disk and removes them.
type Archiver interface {
	Build(ctx context.Context, opts archive.Options, src archive.AttachmentSource) (*archive.Result, error)
	Cleanup(archivePath string) error
}

// Notifier emails the requester a download link.
type Notifier interface {
	Notify(ctx context.Context, to string, objectType model.ObjectType, signedURL string) error
}

// StateCallback is called after a terminal state has been persisted.
type StateCallback func(id, tenantID string, state model.BackupState)

// Options are the run policies.
type Options struct {
	WorkDir   string
	URLExpiry time.Duration
	// CleanupOnFailure removes the local archive and working directory when
	// upload or notification fails. When false they are kept for recovery.
	CleanupOnFailure bool
	// NotifyFailureFatal marks the request FAILED when the link cannot be
	// delivered. When false the request becomes READY and the failure is
	// only logged and counted.
	NotifyFailureFatal bool
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store    Store
	Upstream UpstreamFactory
	Archiver Archiver
	Objects  objectstore.Store
	Notifier Notifier
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	OnState  StateCallback
}

// Pipeline executes backup requests.
type Pipeline struct {
	store    Store
	upstream UpstreamFactory
	archiver Archiver
	objects  objectstore.Store
	notifier Notifier
	metrics  *metrics.Collector
	logger   *slog.Logger
	onState  StateCallback
	opts     Options
	now      func() time.Time
}

func New(deps Deps, opts Options) *Pipeline {
	if opts.URLExpiry <= 0 {
		opts.URLExpiry = 24 * time.Hour
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    deps.Store,
		upstream: deps.Upstream,
		archiver: deps.Archiver,
		objects:  deps.Objects,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "pipeline"),
		onState:  deps.OnState,
		opts:     opts,
		now:      time.Now,
	}
}

// Run executes the backup request id and reports whether it ended in a
// successful state (NO_DATA_FOUND or READY). A request that already left
// PENDING is not run again; its current state decides the result.
func (p *Pipeline) Run(ctx context.Context, id string) bool {
	req, err := p.store.GetByID(ctx, id)
	if err != nil {
		p.logger.Error("load backup request", "backup_id", id, "error", err)
		return false
	}
	log := p.logger.With("backup_id", req.ID, "tenant_id", req.TenantID)

	if req.CurrentState != model.BackupStatePending {
		log.Info("backup request already finished", "state", req.CurrentState)
		return req.CurrentState.Succeeded()
	}

	defer p.metrics.RunStarted()()
	state := p.run(ctx, req, log)
	if state == model.BackupStatePending {
		p.metrics.RunFinished("persist_error")
		return false
	}
	p.metrics.RunFinished(string(state))
	return state.Succeeded()
}

func (p *Pipeline) run(ctx context.Context, req *model.BackupRequest, log *slog.Logger) model.BackupState {
	filters, err := req.ParsedFilters()
	if err != nil {
		return p.fail(ctx, req, log, backuperr.Wrap(backuperr.ErrInvalidRequest, "parse filters", err))
	}

	credential, err := p.store.OpenCredential(req)
	if err != nil {
		return p.fail(ctx, req, log, backuperr.Wrap(backuperr.ErrInvalidRequest, "open credential", err))
	}
	client := p.upstream(credential)

	start := time.Now()
	records, err := client.FetchRecords(ctx, filters)
	p.metrics.ObserveStage(metrics.StageFetch, start)
	if err != nil {
		return p.fail(ctx, req, log, err)
	}
	log.Info("fetched records", "count", len(records))
	if len(records) == 0 {
		if err := p.store.MarkNoData(ctx, req.ID); err != nil {
			log.Error("persist no-data state", "error", err)
			return model.BackupStatePending
		}
		p.transitioned(log, req, model.BackupStateNoDataFound)
		return model.BackupStateNoDataFound
	}

	start = time.Now()
	res, err := p.archiver.Build(ctx, archive.Options{
		Root:                p.opts.WorkDir,
		Records:             records,
		TenantID:            req.TenantID,
		BackupName:          req.ArchiveName(),
		DownloadAttachments: filters.DownloadAttachments,
	}, client)
	p.metrics.ObserveStage(metrics.StageArchive, start)
	if err != nil {
		return p.fail(ctx, req, log, err)
	}
	if n := res.FailedAttachments(); n > 0 {
		log.Warn("some attachments were skipped", "records", n)
		p.metrics.AttachmentFailures(n)
	}

	start = time.Now()
	key, err := p.objects.Upload(ctx, res.ArchivePath, req.TenantID)
	p.metrics.ObserveStage(metrics.StageUpload, start)
	if err != nil {
		p.cleanupAfterFailure(log, res.ArchivePath)
		return p.fail(ctx, req, log, err)
	}
	if info, err := os.Stat(res.ArchivePath); err == nil {
		p.metrics.Uploaded(info.Size())
	}
	log.Info("archive uploaded", "key", key)

	start = time.Now()
	notifyErr := p.notify(ctx, client, req, key)
	p.metrics.ObserveStage(metrics.StageNotify, start)
	if notifyErr != nil {
		if p.opts.NotifyFailureFatal {
			p.cleanupAfterFailure(log, res.ArchivePath)
			return p.fail(ctx, req, log, notifyErr)
		}
		log.Error("notification failed, keeping backup ready", "error", notifyErr)
		p.metrics.Failure(backuperr.KindOf(notifyErr))
	}

	if err := p.store.MarkReady(ctx, req.ID, key); err != nil {
		log.Error("persist ready state", "error", err)
		return model.BackupStatePending
	}
	p.transitioned(log, req, model.BackupStateReady)

	if notifyErr == nil {
		if err := p.store.SetNotified(ctx, req.ID, p.now()); err != nil {
			log.Error("record notification time", "error", err)
		}
	}

	start = time.Now()
	if err := p.archiver.Cleanup(res.ArchivePath); err != nil {
		log.Error("local cleanup failed", "error", err)
		p.metrics.Failure(backuperr.KindOf(err))
	}
	p.metrics.ObserveStage(metrics.StageCleanup, start)
	return model.BackupStateReady
}

// notify signs a link to key and emails it to the requester.
func (p *Pipeline) notify(ctx context.Context, client Upstream, req *model.BackupRequest, key string) error {
	url, err := p.objects.SignedURL(ctx, key, p.opts.URLExpiry)
	if err != nil {
		return err
	}
	profile, err := client.FetchRequesterProfile(ctx)
	if err != nil {
		return err
	}
	return p.notifier.Notify(ctx, profile.Email, req.ObjectType, url)
}

// fail persists FAILED with err's message. Errors without a known kind are
// programming defects and are logged as such.
func (p *Pipeline) fail(ctx context.Context, req *model.BackupRequest, log *slog.Logger, err error) model.BackupState {
	kind := backuperr.KindOf(err)
	if !backuperr.Known(err) {
		log.Error("unclassified pipeline error", "error", err)
	}
	p.metrics.Failure(kind)
	log.Error("backup failed", "kind", kind, "error", err)

	if err := p.store.MarkFailed(ctx, req.ID, err.Error()); err != nil {
		log.Error("persist failed state", "error", err)
		return model.BackupStatePending
	}
	p.transitioned(log, req, model.BackupStateFailed)
	return model.BackupStateFailed
}

func (p *Pipeline) cleanupAfterFailure(log *slog.Logger, archivePath string) {
	if !p.opts.CleanupOnFailure {
		log.Info("keeping local archive after failure", "path", archivePath)
		return
	}
	if err := p.archiver.Cleanup(archivePath); err != nil {
		log.Error("local cleanup failed", "error", err)
		p.metrics.Failure(backuperr.KindOf(err))
	}
}

func (p *Pipeline) transitioned(log *slog.Logger, req *model.BackupRequest, state model.BackupState) {
	log.Info("backup state changed", "state", state)
	if p.onState != nil {
		p.onState(req.ID, req.TenantID, state)
	}
}
