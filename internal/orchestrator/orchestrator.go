// Package orchestrator drives requests from discovery through generation to
// publication. Ticks run on their own goroutines; generations run beside
// them, bounded by max_parallel_runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"issueforge/internal/config"
	"issueforge/internal/domain"
	"issueforge/internal/engine"
	"issueforge/internal/events"
	"issueforge/internal/generator"
	"issueforge/internal/hosting"
	"issueforge/internal/repo"
	"issueforge/internal/workspace"
)

// DiscoveryCursor names the durable cursor used by the discovery tick.
const DiscoveryCursor = "discovery"

// Generator is the part of generator.Driver the orchestrator uses.
type Generator interface {
	Run(ctx context.Context, in generator.Input, workdir string) (generator.Result, error)
}

// Settings are the knobs the orchestrator reads from configuration.
type Settings struct {
	Labels         []string
	MaxParallel    int
	ApprovalTTL    time.Duration
	Visibility     string
	Retention      string
	PollInterval   time.Duration
	WorkInterval   time.Duration
	ExpiryInterval time.Duration
}

// SettingsFrom maps the loaded configuration onto Settings.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Labels:         cfg.LabelSet,
		MaxParallel:    cfg.MaxParallelRuns,
		ApprovalTTL:    cfg.ApprovalTTLDur(),
		Visibility:     cfg.RepoVisibility,
		Retention:      cfg.WorkdirRetention,
		PollInterval:   cfg.PollEvery(),
		WorkInterval:   cfg.WorkEvery(),
		ExpiryInterval: cfg.ExpiryEvery(),
	}
}

type Orchestrator struct {
	Store     repo.Store
	Queue     engine.Queue
	Hosting   hosting.Client
	Generator Generator
	Root      workspace.Root
	Settings  Settings
	Logger    *slog.Logger
	// Suffix returns the random part of repository names.
	Suffix func() string

	sem     *semaphore.Weighted
	running sync.WaitGroup
	mu      sync.Mutex
	abort   context.CancelCauseFunc
}

func New(store repo.Store, queue engine.Queue, client hosting.Client, gen Generator, root workspace.Root, s Settings, logger *slog.Logger) *Orchestrator {
	if s.MaxParallel < 1 {
		s.MaxParallel = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		Store:     store,
		Queue:     queue,
		Hosting:   client,
		Generator: gen,
		Root:      root,
		Settings:  s,
		Logger:    logger,
		Suffix:    randomSuffix,
		sem:       semaphore.NewWeighted(int64(s.MaxParallel)),
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// Tick is one periodic activity. Run is never called concurrently with
// itself.
type Tick struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Ticks returns the registry for the configured settings.
func (o *Orchestrator) Ticks() []Tick {
	ticks := []Tick{
		{Name: "discovery", Interval: o.Settings.PollInterval, Run: o.Discover},
		{Name: "work", Interval: o.Settings.WorkInterval, Run: o.Work},
		{Name: "expiry", Interval: o.Settings.ExpiryInterval, Run: o.Expire},
	}
	if o.Settings.Retention != "" && o.Settings.Retention != config.RetentionKeep {
		ticks = append(ticks, Tick{Name: "reaper", Interval: o.Settings.WorkInterval, Run: o.Reap})
	}
	return ticks
}

// Fatal reports whether err must stop the process.
func Fatal(err error) bool {
	var storeErr domain.StoreError
	var credErr hosting.CredentialError
	var cfgErr config.Error
	return errors.As(err, &storeErr) || errors.As(err, &credErr) || errors.As(err, &cfgErr)
}

// Run recovers abandoned runs, then runs ticks until ctx is cancelled or a
// fatal error occurs. In-flight generations are cancelled and waited for
// before it returns. A clean shutdown returns nil.
func (o *Orchestrator) Run(ctx context.Context, ticks []Tick) error {
	if err := o.Recover(ctx); err != nil {
		return err
	}
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	o.mu.Lock()
	o.abort = abort
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	for _, t := range ticks {
		g.Go(func() error { return o.loop(gctx, t) })
	}
	o.Logger.Info("orchestrator started", "ticks", len(ticks), "max_parallel_runs", o.Settings.MaxParallel)
	err := g.Wait()
	o.Wait()
	if err == nil {
		if cause := context.Cause(runCtx); cause != nil && Fatal(cause) {
			err = cause
		}
	}
	if err != nil {
		o.Logger.Error("orchestrator stopped", "err", err)
		return err
	}
	o.Logger.Info("orchestrator stopped")
	return nil
}

// Wait blocks until every launched generation has finished.
func (o *Orchestrator) Wait() {
	o.running.Wait()
}

func (o *Orchestrator) loop(ctx context.Context, t Tick) error {
	interval := t.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := o.runTick(ctx, t); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) runTick(ctx context.Context, t Tick) error {
	start := time.Now()
	err := t.Run(ctx)
	log := o.Logger.With("tick", t.Name, "duration", time.Since(start).Round(time.Millisecond))
	switch {
	case err == nil:
		log.Debug("tick done")
	case ctx.Err() != nil:
		log.Debug("tick interrupted", "err", err)
	case Fatal(err):
		return fmt.Errorf("%s tick: %w", t.Name, err)
	default:
		log.Warn("tick failed", "err", err)
	}
	return nil
}

// fail stops Run with err. Outside Run it only logs.
func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	abort := o.abort
	o.mu.Unlock()
	if abort != nil {
		abort(err)
		return
	}
	o.Logger.Error("fatal error outside scheduler", "err", err)
}

// Recover cancels runs left queued or running by a previous process. They
// do not count against the request's authorised attempts.
func (o *Orchestrator) Recover(ctx context.Context) error {
	runs, err := o.Store.AbandonedRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if _, err := o.Store.UpdateRunState(ctx, r.ID, domain.RunCancelled, domain.ExitInterrupted); err != nil {
			return fmt.Errorf("recover run %d: %w", r.ID, err)
		}
		o.Logger.Info("abandoned run cancelled", "run_id", r.ID, "request_id", r.RequestID, "state", r.State)
	}
	return nil
}

// Expire moves pending decisions older than the approval TTL to expired.
func (o *Orchestrator) Expire(ctx context.Context) error {
	ids, err := o.Queue.ExpireStale(ctx, o.Settings.ApprovalTTL)
	for _, id := range ids {
		o.Logger.Info("decision expired", "request_id", id)
	}
	return err
}

// Reap removes workdirs of finished runs according to the retention policy.
func (o *Orchestrator) Reap(ctx context.Context) error {
	states := []domain.RunState{domain.RunSucceeded}
	if o.Settings.Retention == config.RetentionDelete {
		states = append(states, domain.RunFailed, domain.RunCancelled)
	}
	runs, err := o.Store.ListRuns(ctx, repo.RunFilter{States: states})
	if err != nil {
		return err
	}
	for _, r := range runs {
		if r.Workdir == nil || !o.Root.Contains(*r.Workdir) || !exists(*r.Workdir) {
			continue
		}
		if err := o.Root.Remove(*r.Workdir); err != nil {
			o.Logger.Warn("workdir cleanup failed", "run_id", r.ID, "err", err)
			continue
		}
		o.Logger.Debug("workdir removed", "run_id", r.ID, "path", *r.Workdir)
	}
	return nil
}

// comment posts body and records the outcome in the audit log. Credential
// failures are returned; other failures are logged.
func (o *Orchestrator) comment(ctx context.Context, req domain.Request, kind CommentKind, body string) error {
	err := o.Hosting.PostComment(ctx, req.SourceRef, body)
	if err == nil {
		o.audit(ctx, events.CommentPosted, req.ID, "kind="+string(kind)+" ref="+req.SourceRef)
		return nil
	}
	o.Logger.Warn("comment failed", "request_id", req.ID, "kind", kind, "err", err)
	o.audit(ctx, events.CommentFailed, req.ID, fmt.Sprintf("kind=%s ref=%s err=%q", kind, req.SourceRef, err.Error()))
	return err
}

func (o *Orchestrator) audit(ctx context.Context, kind string, subjectID int64, msg string) {
	if err := o.Store.AppendAudit(ctx, kind, subjectID, msg); err != nil {
		o.Logger.Warn("audit append failed", "kind", kind, "err", err)
		if Fatal(err) {
			o.fail(err)
		}
	}
}
