package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/appbuilder/pkg/builder"
	"github.com/vyvo/appbuilder/pkg/notify"
	"github.com/vyvo/appbuilder/pkg/pipeline"
	"github.com/vyvo/appbuilder/pkg/queue"
)

type scriptedRunner struct {
	fn func(ctx context.Context, req builder.BuildRequest, log *slog.Logger, observe pipeline.Observer) (pipeline.Result, error)
}

func (r scriptedRunner) Run(ctx context.Context, req builder.BuildRequest, log *slog.Logger, observe pipeline.Observer) (pipeline.Result, error) {
	return r.fn(ctx, req, log, observe)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) messages() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.msgs...)
}

type memArchive struct {
	mu     sync.Mutex
	builds map[string]int
}

func (a *memArchive) SaveBuild(_ context.Context, build builder.Build, logs []builder.LogRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.builds == nil {
		a.builds = map[string]int{}
	}
	a.builds[build.ID] = len(logs)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(runner Runner) (*Worker, *builder.MemStore, *queue.Coordinator, *recordingNotifier, *memArchive) {
	store := builder.NewMemStore()
	coord := queue.NewCoordinator(nil)
	notifier := &recordingNotifier{}
	archive := &memArchive{}
	w := New(Options{
		Queue:     coord,
		Store:     store,
		Runner:    runner,
		Notifier:  notifier,
		Archive:   archive,
		Logger:    quietLogger(),
		PublicURL: "http://builder.local/",
	})
	return w, store, coord, notifier, archive
}

func waitCompleted(t *testing.T, store *builder.MemStore, id string) builder.Build {
	t.Helper()
	var build builder.Build
	require.Eventually(t, func() bool {
		b, err := store.Get(id)
		if err != nil {
			return false
		}
		build = b
		return b.Completed
	}, 5*time.Second, 10*time.Millisecond)
	return build
}

func TestExecuteSuccess(t *testing.T) {
	runner := scriptedRunner{fn: func(_ context.Context, req builder.BuildRequest, log *slog.Logger, observe pipeline.Observer) (pipeline.Result, error) {
		observe(builder.StageBuilding, "x86")
		log.Info("compiling " + req.Project)
		observe(builder.StageDone, "")
		return pipeline.Result{Artifacts: []string{"/out/demo.apk"}}, nil
	}}
	w, store, _, notifier, archive := newTestWorker(runner)

	build := w.Execute(context.Background(), builder.BuildRequest{Project: "demo", URL: "u", Branch: "main", Commit: "abc123"})
	require.Equal(t, "abc123", build.ID)
	require.Equal(t, builder.StatusSucceeded, build.Status)
	require.True(t, build.Completed)
	require.Equal(t, builder.StageDone, build.Stage)
	require.Equal(t, []string{"/out/demo.apk"}, build.Artifacts)

	logs, err := store.Logs("abc123")
	require.NoError(t, err)
	require.Equal(t, "compiling demo", logs[0].Message)

	msgs := notifier.messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Success)
	require.Equal(t, "http://builder.local/build_logs/abc123", msgs[0].LogURL)
	require.Equal(t, len(logs), archive.builds["abc123"])
}

func TestExecuteFailureIsRecorded(t *testing.T) {
	runner := scriptedRunner{fn: func(context.Context, builder.BuildRequest, *slog.Logger, pipeline.Observer) (pipeline.Result, error) {
		return pipeline.Result{}, &pipeline.StageError{Kind: pipeline.KindBuildTool, Stage: "BUILDING", Err: errors.New("flutter exited with status 1"), Stack: "goroutine 1 [running]"}
	}}
	w, store, _, notifier, _ := newTestWorker(runner)

	build := w.Execute(context.Background(), builder.BuildRequest{Project: "demo", URL: "u", Branch: "main"})
	require.Equal(t, builder.StatusFailed, build.Status)
	require.Contains(t, build.Error, "flutter exited with status 1")
	require.NotEqual(t, "", build.ID)

	logs, err := store.Logs(build.ID)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	require.Equal(t, slog.LevelError, last.Level)
	require.Contains(t, last.Message, "goroutine 1 [running]")

	msgs := notifier.messages()
	require.Len(t, msgs, 1)
	require.False(t, msgs[0].Success)
	require.Equal(t, build.Error, msgs[0].Error)
}

func TestExecuteRecoversPanic(t *testing.T) {
	runner := scriptedRunner{fn: func(context.Context, builder.BuildRequest, *slog.Logger, pipeline.Observer) (pipeline.Result, error) {
		panic("boom")
	}}
	w, _, _, _, _ := newTestWorker(runner)

	build := w.Execute(context.Background(), builder.BuildRequest{Project: "demo", URL: "u"})
	require.Equal(t, builder.StatusFailed, build.Status)
	require.Contains(t, build.Error, "panic: boom")
}

func TestBuildIDFallsBackWhenCommitUsed(t *testing.T) {
	runner := scriptedRunner{fn: func(context.Context, builder.BuildRequest, *slog.Logger, pipeline.Observer) (pipeline.Result, error) {
		return pipeline.Result{}, nil
	}}
	w, _, _, _, _ := newTestWorker(runner)
	req := builder.BuildRequest{Project: "demo", URL: "u", Commit: "abc123"}

	first := w.Execute(context.Background(), req)
	second := w.Execute(context.Background(), req)
	require.Equal(t, "abc123", first.ID)
	require.NotEqual(t, "abc123", second.ID)
	require.Len(t, second.ID, 36)
}

func TestRunSurvivesFailures(t *testing.T) {
	runner := scriptedRunner{fn: func(_ context.Context, req builder.BuildRequest, _ *slog.Logger, _ pipeline.Observer) (pipeline.Result, error) {
		if req.Commit == "bad" {
			return pipeline.Result{}, errors.New("clone failed")
		}
		return pipeline.Result{}, nil
	}}
	w, store, coord, _, _ := newTestWorker(runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.NoError(t, coord.AwaitReady(ctx))

	require.NoError(t, coord.Enqueue(ctx, builder.BuildRequest{Project: "demo", URL: "u", Commit: "bad"}))
	require.Equal(t, builder.StatusFailed, waitCompleted(t, store, "bad").Status)

	require.NoError(t, coord.Enqueue(ctx, builder.BuildRequest{Project: "demo", URL: "u", Commit: "good"}))
	require.Equal(t, builder.StatusSucceeded, waitCompleted(t, store, "good").Status)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunFinishesInFlightBuildOnShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := scriptedRunner{fn: func(ctx context.Context, _ builder.BuildRequest, _ *slog.Logger, _ pipeline.Observer) (pipeline.Result, error) {
		close(started)
		<-release
		return pipeline.Result{}, ctx.Err()
	}}
	w, store, coord, _, _ := newTestWorker(runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.NoError(t, coord.AwaitReady(ctx))
	require.NoError(t, coord.Enqueue(ctx, builder.BuildRequest{Project: "demo", URL: "u", Commit: "slow"}))

	<-started
	cancel()
	close(release)

	require.NoError(t, <-done)
	require.Equal(t, builder.StatusSucceeded, waitCompleted(t, store, "slow").Status)
}

func TestRunBuildsOnlyLatestRequestQueuedDuringBuild(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var (
		mu  sync.Mutex
		ran []string
	)
	runner := scriptedRunner{fn: func(_ context.Context, req builder.BuildRequest, _ *slog.Logger, _ pipeline.Observer) (pipeline.Result, error) {
		mu.Lock()
		ran = append(ran, req.Commit)
		mu.Unlock()
		if req.Commit == "busy" {
			close(started)
			<-release
		}
		return pipeline.Result{}, nil
	}}
	w, store, coord, notifier, archive := newTestWorker(runner)
	var dropped int
	coord.OnSupersede(func(n int) { dropped += n })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.NoError(t, coord.AwaitReady(ctx))
	require.NoError(t, coord.Enqueue(ctx, builder.BuildRequest{Project: "demo", URL: "u", Commit: "busy"}))
	<-started

	for _, commit := range []string{"a", "b", "c"} {
		require.NoError(t, coord.Enqueue(ctx, builder.BuildRequest{Project: "demo", URL: "u", Commit: commit}))
	}
	require.Equal(t, 2, dropped)
	close(release)

	require.Equal(t, builder.StatusSucceeded, waitCompleted(t, store, "busy").Status)
	require.Equal(t, builder.StatusSucceeded, waitCompleted(t, store, "c").Status)
	for _, id := range []string{"a", "b"} {
		_, err := store.Get(id)
		require.ErrorIs(t, err, builder.ErrNotFound, id)
	}

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	require.Equal(t, []string{"busy", "c"}, ran)
	mu.Unlock()
	require.Len(t, notifier.messages(), 2)
	archive.mu.Lock()
	require.Len(t, archive.builds, 2)
	archive.mu.Unlock()
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(context.Context, notify.Message) error { panic("notifier down") }

func TestExecuteCompletesWhenNotifierPanics(t *testing.T) {
	runner := scriptedRunner{fn: func(context.Context, builder.BuildRequest, *slog.Logger, pipeline.Observer) (pipeline.Result, error) {
		return pipeline.Result{}, nil
	}}
	store := builder.NewMemStore()
	w := New(Options{
		Queue:    queue.NewCoordinator(nil),
		Store:    store,
		Runner:   runner,
		Notifier: panickingNotifier{},
		Logger:   quietLogger(),
	})

	build := w.Execute(context.Background(), builder.BuildRequest{Project: "demo", URL: "u", Commit: "c1"})
	require.True(t, build.Completed)
	require.Equal(t, builder.StatusSucceeded, build.Status)

	stored, err := store.Get("c1")
	require.NoError(t, err)
	require.True(t, stored.Completed)
}
