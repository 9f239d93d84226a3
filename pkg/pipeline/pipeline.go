package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vyvo/appbuilder/pkg/builder"
	"github.com/vyvo/appbuilder/pkg/metrics"
)

const tracerName = "github.com/vyvo/appbuilder/pkg/pipeline"

// Layout locates the files the pipeline reads inside a working tree. Paths
// are relative to the tree root.
type Layout struct {
	Manifest    string
	BuildConfig string
	Artifact    string
}

// DefaultLayout matches a Flutter project building Android packages.
var DefaultLayout = Layout{
	Manifest:    "pubspec.yaml",
	BuildConfig: "android/app/build.gradle",
	Artifact:    "build/app/outputs/flutter-apk/app-release.apk",
}

// Observer is told about every state transition of a run.
type Observer func(stage builder.Stage, variant string)

// Result describes a successful run.
type Result struct {
	Version   Version
	Variants  []Variant
	Counter   int
	// Numbers maps each variant name to the build number it was built with.
	Numbers   map[string]int
	Artifacts []string
}

// Pipeline runs fetch, prepare, one build per variant and publish for a
// request. It owns WorkDir exclusively and must not be run concurrently.
type Pipeline struct {
	WorkDir   string
	Fetcher   Fetcher
	Toolchain Toolchain
	Layout    Layout
	Counters  CounterStore
	// Publishers receive every artifact in order. The first one's location
	// is reported in Result.Artifacts.
	Publishers []Publisher
	Recorder   metrics.Recorder
}

type stagedArtifact struct {
	path string
	rel  string
}

// Run executes the pipeline for req. Every record is written to log; every
// state change is passed to observe (which may be nil). Any failure halts the
// remaining variants and is returned as a *StageError.
func (p *Pipeline) Run(ctx context.Context, req builder.BuildRequest, log *slog.Logger, observe Observer) (res Result, err error) {
	if observe == nil {
		observe = func(builder.Stage, string) {}
	}
	observe(builder.StageIdle, "")
	defer func() {
		if err != nil {
			observe(builder.StageFailed, "")
			return
		}
		observe(builder.StageDone, "")
	}()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.run")
	span.SetAttributes(
		attribute.String("project", req.Project),
		attribute.String("branch", req.Branch),
	)
	defer span.End()

	if err := validateRequest(req); err != nil {
		return Result{}, newStageError(KindFetch, string(builder.StageFetching), "", err)
	}

	tree := filepath.Join(p.WorkDir, req.Project)
	staging := filepath.Join(p.WorkDir, ".staging", req.Project)
	layout := p.layout()

	observe(builder.StageFetching, "")
	err = p.stage(ctx, "fetch", func(ctx context.Context) error {
		// Trees left behind by an interrupted run are removed here.
		if err := os.RemoveAll(tree); err != nil {
			return fmt.Errorf("remove stale working tree: %w", err)
		}
		if err := os.MkdirAll(p.WorkDir, 0o755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		return p.Fetcher.Fetch(ctx, FetchSpec{URL: req.URL, Branch: req.Branch, Commit: req.Commit, Dir: tree}, log)
	})
	if err != nil {
		return Result{}, newStageError(KindFetch, string(builder.StageFetching), "", err)
	}

	observe(builder.StagePreparing, "")
	var (
		version  Version
		variants []Variant
		counter  int
	)
	err = p.stage(ctx, "prepare", func(ctx context.Context) error {
		var err error
		if version, err = ReadVersion(filepath.Join(tree, layout.Manifest)); err != nil {
			return err
		}
		if variants, err = DiscoverVariants(filepath.Join(tree, layout.BuildConfig)); err != nil {
			return err
		}
		log.Info("Resolved project", "version", version.String(), "variants", variantNames(variants))
		return p.Toolchain.RunPrepare(ctx, tree, log)
	})
	if err != nil {
		return Result{}, newStageError(KindDependency, string(builder.StagePreparing), "", err)
	}

	var state builder.CounterState
	if p.Counters != nil {
		if state, err = p.Counters.Load(ctx, req.Project); err != nil {
			return Result{}, newStageError(KindPublish, string(builder.StagePreparing), "", fmt.Errorf("load build counter: %w", err))
		}
	}
	counter = state.Counter + 1
	numbers := make(map[string]int, len(variants))
	issued := state.LastNumber
	if err := os.RemoveAll(staging); err != nil {
		return Result{}, newStageError(KindBuildTool, string(builder.StagePreparing), "", fmt.Errorf("clear staging: %w", err))
	}

	multi := len(variants) > 1
	configPath := filepath.Join(tree, layout.BuildConfig)
	staged := make([]stagedArtifact, 0, len(variants))
	for _, v := range variants {
		observe(builder.StageBuilding, v.Name)
		number := NextBuildNumber(version, v, counter, state.LastNumber)
		numbers[v.Name] = number
		issued = max(issued, number)
		log.Info("Building variant", "variant", v.Name, "version", version.String(), "build_number", number)

		err := p.stage(ctx, "build", func(ctx context.Context) error {
			if err := p.Toolchain.RunClean(ctx, tree, log); err != nil {
				return err
			}
			build := func() error {
				return p.Toolchain.RunBuild(ctx, tree, BuildArgs{Version: version, Variant: v, BuildNumber: number}, log)
			}
			if multi {
				return WithVariant(configPath, v, build)
			}
			return build()
		})
		if err != nil {
			return Result{}, newStageError(KindBuildTool, string(builder.StageBuilding), v.Name, err)
		}

		src := filepath.Join(tree, layout.Artifact)
		rel := ArtifactPath(req.Project, req.Branch, v, version, number, filepath.Ext(layout.Artifact))
		// The next variant's build overwrites src, so keep a copy.
		stashed, err := LocalPublisher{Root: staging}.Publish(ctx, src, rel)
		if err != nil {
			return Result{}, newStageError(KindBuildTool, string(builder.StageBuilding), v.Name, fmt.Errorf("collect artifact: %w", err))
		}
		staged = append(staged, stagedArtifact{path: stashed, rel: rel})
	}

	observe(builder.StagePublishing, "")
	var artifacts []string
	err = p.stage(ctx, "publish", func(ctx context.Context) error {
		for _, a := range staged {
			for i, pub := range p.Publishers {
				dst, err := pub.Publish(ctx, a.path, a.rel)
				if err != nil {
					return err
				}
				if i == 0 {
					artifacts = append(artifacts, dst)
				}
				log.Info("Published artifact", "path", dst)
			}
		}
		if p.Counters != nil {
			if err := p.Counters.Save(ctx, req.Project, builder.CounterState{Counter: counter, LastNumber: issued}); err != nil {
				return fmt.Errorf("persist build counter: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, newStageError(KindPublish, string(builder.StagePublishing), "", err)
	}

	return Result{Version: version, Variants: variants, Counter: counter, Numbers: numbers, Artifacts: artifacts}, nil
}

func (p *Pipeline) layout() Layout {
	l := p.Layout
	if l.Manifest == "" {
		l.Manifest = DefaultLayout.Manifest
	}
	if l.BuildConfig == "" {
		l.BuildConfig = DefaultLayout.BuildConfig
	}
	if l.Artifact == "" {
		l.Artifact = DefaultLayout.Artifact
	}
	return l
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if p.Recorder != nil {
		p.Recorder.ObserveStageDuration(name, time.Since(start), err == nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func validateRequest(req builder.BuildRequest) error {
	if req.Project == "" || req.URL == "" {
		return errors.New("project and url are required")
	}
	for _, seg := range append([]string{req.Project}, strings.Split(req.Branch, "/")...) {
		if seg == ".." || seg == "." || strings.ContainsAny(seg, `\`) {
			return fmt.Errorf("invalid path segment %q", seg)
		}
	}
	if strings.Contains(req.Project, "/") {
		return fmt.Errorf("invalid project name %q", req.Project)
	}
	return nil
}

func variantNames(vs []Variant) string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Name
	}
	return strings.Join(names, ",")
}
