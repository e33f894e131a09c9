package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"issueforge/internal/domain"
	"issueforge/internal/extract"
	"issueforge/internal/generator"
	"issueforge/internal/hosting"
)

// Reasons carried by PublishError.
const (
	PublishNameExhaustion = "name_exhaustion"
	PublishCreate         = "create_repo"
	PublishPush           = "push"
	PublishRecord         = "record_artifact"
)

// nameAttempts bounds CreateRemoteRepo retries on ErrNameTaken.
const nameAttempts = 3

// PublishError means a generated tree could not be published.
type PublishError struct {
	Reason string
	Err    error
}

func (e PublishError) Error() string {
	if e.Err == nil {
		return "publish: " + e.Reason
	}
	return "publish " + e.Reason + ": " + e.Err.Error()
}

func (e PublishError) Unwrap() error { return e.Err }

// Work starts a run for every runnable request while capacity remains.
// Generation continues on its own goroutine after Work returns.
func (o *Orchestrator) Work(ctx context.Context) error {
	free := 0
	for o.sem.TryAcquire(1) {
		free++
	}
	if free == 0 {
		o.Logger.Debug("no capacity")
		return nil
	}
	reqs, err := o.Store.RunnableRequests(ctx, free)
	if err != nil {
		o.sem.Release(int64(free))
		return err
	}
	if unused := free - len(reqs); unused > 0 {
		o.sem.Release(int64(unused))
	}
	for i, req := range reqs {
		if err := o.start(ctx, req); err != nil {
			o.sem.Release(int64(len(reqs) - i - 1))
			return err
		}
	}
	return nil
}

// start opens a run for req and launches its generation. It owns one unit
// of the semaphore, which is released when the run reaches a terminal state.
func (o *Orchestrator) start(ctx context.Context, req domain.Request) error {
	// Store writes must land even if shutdown starts meanwhile.
	bg := context.WithoutCancel(ctx)
	run, err := o.Store.OpenRun(bg, req.ID)
	if err != nil {
		o.sem.Release(1)
		if errors.Is(err, domain.ErrConflict) {
			o.Logger.Debug("request not runnable", "request_id", req.ID, "err", err)
			return nil
		}
		return err
	}
	log := o.Logger.With("request_id", req.ID, "run_id", run.ID)
	log.Info("run opened", "attempt", run.Attempt)

	dir, err := o.Root.Allocate(run.ID)
	if err == nil {
		err = o.Store.SetRunWorkdir(bg, run.ID, dir)
	}
	if _, terr := o.Store.UpdateRunState(bg, run.ID, domain.RunRunning, domain.ExitNone); terr != nil {
		o.sem.Release(1)
		return terr
	}
	if err != nil {
		defer o.sem.Release(1)
		if Fatal(err) {
			return err
		}
		log.Warn("run setup failed", "err", err)
		o.finishFailed(bg, log, req, run, domain.ExitSetupError, err.Error())
		return nil
	}

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		defer o.sem.Release(1)
		o.execute(ctx, log, req, run, dir)
	}()
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, log *slog.Logger, req domain.Request, run domain.Run, dir string) {
	bg := context.WithoutCancel(ctx)
	res, err := o.Generator.Run(ctx, generator.InputFor(req), dir)
	if err != nil {
		reason, detail := domain.ExitGeneratorError, err.Error()
		var gerr generator.Error
		if errors.As(err, &gerr) {
			reason = gerr.ExitReason()
			if gerr.Tail != "" {
				detail = gerr.Tail
			}
		}
		if reason == domain.ExitShutdown {
			log.Info("run cancelled by shutdown")
			if _, err := o.Store.UpdateRunState(bg, run.ID, domain.RunCancelled, domain.ExitShutdown); err != nil {
				o.fail(err)
			}
			return
		}
		log.Warn("generation failed", "reason", reason, "err", err)
		o.finishFailed(bg, log, req, run, reason, detail)
		return
	}

	art, err := o.publish(bg, req, run, res)
	if err != nil {
		log.Warn("publish failed", "err", err)
		o.finishFailed(bg, log, req, run, domain.ExitPublishError, err.Error())
		if Fatal(err) {
			o.fail(err)
		}
		return
	}
	log.Info("artifact published", "url", art.RemoteRepoURL, "commit", art.CommitRef)
	if err := o.comment(bg, req, KindSucceeded, SucceededComment(req, art, res.ParseWarnings)); err != nil && Fatal(err) {
		o.fail(err)
	}
}

// finishFailed moves run to failed and tells the requester why.
func (o *Orchestrator) finishFailed(ctx context.Context, log *slog.Logger, req domain.Request, run domain.Run, reason domain.ExitReason, detail string) {
	if _, err := o.Store.UpdateRunState(ctx, run.ID, domain.RunFailed, reason); err != nil {
		log.Error("failed to record run failure", "err", err)
		o.fail(err)
		return
	}
	log.Info("run failed", "reason", reason)
	if err := o.comment(ctx, req, KindFailed, FailedComment(req, run, reason, detail)); err != nil && Fatal(err) {
		o.fail(err)
	}
}

// publish creates the remote repository, pushes the tree and records the
// artifact together with the succeeded transition.
func (o *Orchestrator) publish(ctx context.Context, req domain.Request, run domain.Run, res generator.Result) (domain.Artifact, error) {
	var url string
	for i := 0; i < nameAttempts && url == ""; i++ {
		name := extract.RepoName(req.Title, req.ID, o.Suffix())
		created, err := o.Hosting.CreateRemoteRepo(ctx, name, o.Settings.Visibility)
		if errors.Is(err, hosting.ErrNameTaken) {
			o.Logger.Debug("repository name taken", "request_id", req.ID, "name", name)
			continue
		}
		if err != nil {
			return domain.Artifact{}, PublishError{Reason: PublishCreate, Err: err}
		}
		url = created
	}
	if url == "" {
		return domain.Artifact{}, PublishError{Reason: PublishNameExhaustion, Err: fmt.Errorf("%d names taken", nameAttempts)}
	}
	commit, err := o.Hosting.PushTree(ctx, res.OutputRoot, url)
	if err != nil {
		return domain.Artifact{}, PublishError{Reason: PublishPush, Err: err}
	}
	art, err := o.Store.CompleteRunWithArtifact(ctx, run.ID, url, strings.TrimSpace(commit))
	if err != nil {
		return domain.Artifact{}, PublishError{Reason: PublishRecord, Err: err}
	}
	return art, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
