package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vyvo/appbuilder/pkg/builder"
	"github.com/vyvo/appbuilder/pkg/metrics"
	"github.com/vyvo/appbuilder/pkg/notify"
	"github.com/vyvo/appbuilder/pkg/pipeline"
	"github.com/vyvo/appbuilder/pkg/queue"
)

// Runner executes one build request.
type Runner interface {
	Run(ctx context.Context, req builder.BuildRequest, log *slog.Logger, observe pipeline.Observer) (pipeline.Result, error)
}

// Archive keeps finished builds beyond the process lifetime.
type Archive interface {
	SaveBuild(ctx context.Context, build builder.Build, logs []builder.LogRecord) error
}

// Options configure a Worker. Queue, Store and Runner are required.
type Options struct {
	Queue    *queue.Coordinator
	Store    *builder.MemStore
	Runner   Runner
	Notifier notify.Notifier
	Archive  Archive
	Recorder metrics.Recorder
	// Logger receives process level records. Build records are teed to its
	// handler as well.
	Logger *slog.Logger
	// PublicURL prefixes the log stream link sent in notifications.
	PublicURL  string
	RetryDelay time.Duration
}

// Worker consumes the pending slot and runs one build at a time.
type Worker struct {
	queue      *queue.Coordinator
	store      *builder.MemStore
	runner     Runner
	notifier   notify.Notifier
	archive    Archive
	recorder   metrics.Recorder
	log        *slog.Logger
	publicURL  string
	retryDelay time.Duration
}

func New(opts Options) *Worker {
	w := &Worker{
		queue:      opts.Queue,
		store:      opts.Store,
		runner:     opts.Runner,
		notifier:   opts.Notifier,
		archive:    opts.Archive,
		recorder:   opts.Recorder,
		log:        opts.Logger,
		publicURL:  strings.TrimSuffix(opts.PublicURL, "/"),
		retryDelay: opts.RetryDelay,
	}
	if w.notifier == nil {
		w.notifier = notify.Nop{}
	}
	if w.recorder == nil {
		w.recorder = metrics.NoopRecorder{}
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.retryDelay <= 0 {
		w.retryDelay = time.Second
	}
	return w
}

// Run subscribes to the queue and processes requests until ctx is done. A
// build that has started is finished even if ctx is cancelled meanwhile.
func (w *Worker) Run(ctx context.Context) error {
	w.queue.Subscribe()
	w.log.Info("worker ready")

	for {
		req, err := w.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("worker stopped")
				return nil
			}
			w.log.Error("take pending request failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.retryDelay):
			}
			continue
		}
		w.Execute(context.WithoutCancel(ctx), req)
	}
}

// Execute runs req to completion and returns the finished build record. It
// never panics and never returns an error: failures are recorded on the
// build, and the record is marked complete whatever happens.
func (w *Worker) Execute(ctx context.Context, req builder.BuildRequest) (build builder.Build) {
	id := w.buildID(req)
	if _, err := w.store.Create(id, req); err != nil {
		// Only a uuid collision gets here.
		id = uuid.NewString()
		if _, err := w.store.Create(id, req); err != nil {
			w.log.Error("register build failed", "error", err)
			return builder.Build{}
		}
	}

	procLog := w.log.With("build_id", id, "project", req.Project)
	log := builder.NewLogger(w.store, id, procLog.Handler())
	procLog.Info("build started", "branch", req.Branch, "commit", req.Commit)

	w.recorder.SetBuildInFlight(true)
	start := time.Now()
	status := builder.StatusFailed
	errText := "build aborted"
	defer func() {
		if r := recover(); r != nil {
			procLog.Error("build finalization panicked", "panic", r, "stack", string(debug.Stack()))
		}
		w.recorder.SetBuildInFlight(false)
		var cerr error
		build, cerr = w.store.Complete(id, status, errText)
		if cerr != nil {
			procLog.Error("complete build failed", "error", cerr)
			return
		}
		w.archiveBuild(ctx, build, procLog)
		procLog.Info("build completed", "status", build.Status, "duration", time.Since(start).Round(time.Millisecond))
	}()

	res, err := w.run(ctx, id, req, log)
	if err != nil {
		errText = err.Error()
		var se *pipeline.StageError
		if errors.As(err, &se) && se.Stack != "" {
			log.Error(errText + "\n" + se.Stack)
		} else {
			log.Error(errText)
		}
		w.recorder.IncBuildOutcome(metrics.OutcomeFailed)
	} else {
		status, errText = builder.StatusSucceeded, ""
		for _, a := range res.Artifacts {
			if aerr := w.store.AddArtifact(id, a); aerr != nil {
				procLog.Warn("record artifact failed", "error", aerr)
			}
		}
		log.Info("Build finished", "version", res.Version.String(), "artifacts", len(res.Artifacts))
		w.recorder.IncBuildOutcome(metrics.OutcomeSuccess)
	}
	w.recorder.ObserveBuildDuration(time.Since(start))

	w.sendNotification(ctx, id, req, res, errText, procLog)
	return builder.Build{}
}

func (w *Worker) run(ctx context.Context, id string, req builder.BuildRequest, log *slog.Logger) (res pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	observe := func(stage builder.Stage, variant string) {
		if serr := w.store.SetStage(id, stage, variant); serr != nil {
			w.log.Warn("record stage failed", "build_id", id, "error", serr)
		}
	}
	return w.runner.Run(ctx, req, log, observe)
}

// buildID prefers the commit hash so log links are predictable, falling back
// to a random id when the commit is unknown or was built before.
func (w *Worker) buildID(req builder.BuildRequest) string {
	if req.Commit != "" && !w.store.Has(req.Commit) {
		return req.Commit
	}
	return uuid.NewString()
}

// LogURL is the public location of a build's log stream.
func (w *Worker) LogURL(id string) string {
	return w.publicURL + "/build_logs/" + id
}

func (w *Worker) sendNotification(ctx context.Context, id string, req builder.BuildRequest, res pipeline.Result, errText string, procLog *slog.Logger) {
	msg := notify.Message{
		BuildID:   id,
		Project:   req.Project,
		Branch:    req.Branch,
		URL:       req.URL,
		LogURL:    w.LogURL(id),
		Success:   errText == "",
		Error:     errText,
		Artifacts: res.Artifacts,
	}
	nctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := w.notifier.Notify(nctx, msg); err != nil {
		procLog.Warn("notification failed", "error", err)
	}
}

func (w *Worker) archiveBuild(ctx context.Context, build builder.Build, procLog *slog.Logger) {
	if w.archive == nil || build.ID == "" {
		return
	}
	logs, err := w.store.Logs(build.ID)
	if err != nil {
		procLog.Warn("read logs for archive failed", "error", err)
		return
	}
	actx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := w.archive.SaveBuild(actx, build, logs); err != nil {
		procLog.Warn("archive build failed", "error", err)
	}
}
