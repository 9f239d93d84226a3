package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Toolchain is the external build tool, driven as opaque commands run inside
// the working tree.
type Toolchain struct {
	Clean   []string
	Prepare []string
	Build   []string
	// VersionFlags appends --build-name and --build-number to Build.
	VersionFlags bool
	Env          []string
}

// BuildArgs are passed to the build command of one variant.
type BuildArgs struct {
	Version     Version
	Variant     Variant
	BuildNumber int
}

func (t Toolchain) RunClean(ctx context.Context, dir string, log *slog.Logger) error {
	return runCommand(ctx, dir, t.Clean, t.Env, log)
}

func (t Toolchain) RunPrepare(ctx context.Context, dir string, log *slog.Logger) error {
	return runCommand(ctx, dir, t.Prepare, t.Env, log)
}

func (t Toolchain) RunBuild(ctx context.Context, dir string, args BuildArgs, log *slog.Logger) error {
	cmd := append([]string(nil), t.Build...)
	if t.VersionFlags {
		cmd = append(cmd,
			"--build-name="+args.Version.String(),
			"--build-number="+strconv.Itoa(args.BuildNumber),
		)
	}
	env := append([]string(nil), t.Env...)
	env = append(env,
		"BUILD_NAME="+args.Version.String(),
		"BUILD_NUMBER="+strconv.Itoa(args.BuildNumber),
		"BUILD_VARIANT="+args.Variant.Name,
		"BUILD_ABI="+args.Variant.ABI,
	)
	return runCommand(ctx, dir, cmd, env, log)
}

// runCommand executes args in dir, streaming stdout at info and stderr at
// warn level into log. An empty command is a no-op.
func runCommand(ctx context.Context, dir string, args []string, env []string, log *slog.Logger) error {
	if len(args) == 0 {
		return nil
	}
	log.Info("$ " + strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe error: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s start failed: %w", args[0], err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamPipe(log, slog.LevelInfo, stdout, &wg)
	go streamPipe(log, slog.LevelWarn, stderr, &wg)
	// Pipes must be drained before Wait closes them.
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Command: args[0], Code: exitErr.ExitCode(), Err: err}
		}
		return fmt.Errorf("%s failed: %w", args[0], err)
	}
	return nil
}

func streamPipe(log *slog.Logger, level slog.Level, pipe io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Log(context.Background(), level, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Warn("log stream error", "error", err)
	}
}
