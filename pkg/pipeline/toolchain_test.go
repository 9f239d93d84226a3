package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunCommandStreamsOutput(t *testing.T) {
	log, store := captureLogger(t)
	err := runCommand(context.Background(), t.TempDir(), []string{"sh", "-c", "echo out; echo err 1>&2"}, nil, log)
	require.NoError(t, err)

	logs, err := store.Logs("b1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, `$ sh -c echo out; echo err 1>&2`, logs[0].Message)

	levels := map[string]slog.Level{}
	for _, rec := range logs[1:] {
		levels[rec.Message] = rec.Level
	}
	require.Equal(t, slog.LevelInfo, levels["out"])
	require.Equal(t, slog.LevelWarn, levels["err"])
}

func TestRunCommandExitCode(t *testing.T) {
	log, _ := captureLogger(t)
	err := runCommand(context.Background(), t.TempDir(), []string{"sh", "-c", "exit 7"}, nil, log)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 7, exitErr.Code)
	require.Equal(t, "sh", exitErr.Command)
}

func TestRunBuildPassesVersion(t *testing.T) {
	log, store := captureLogger(t)
	tc := Toolchain{
		Build:        []string{"sh", "-c", `echo "$BUILD_NAME/$BUILD_NUMBER/$BUILD_VARIANT/$1"`, "sh"},
		VersionFlags: true,
	}
	v, err := ParseVersion("1.2.3")
	require.NoError(t, err)

	require.NoError(t, tc.RunBuild(context.Background(), t.TempDir(), BuildArgs{Version: v, Variant: knownABIs["x86"], BuildNumber: 42}, log))

	logs, err := store.Logs("b1")
	require.NoError(t, err)
	require.Equal(t, "1.2.3/42/x86/--build-name=1.2.3", logs[len(logs)-1].Message)
}

func TestEmptyCommandIsNoop(t *testing.T) {
	log, store := captureLogger(t)
	require.NoError(t, Toolchain{}.RunClean(context.Background(), t.TempDir(), log))
	logs, err := store.Logs("b1")
	require.NoError(t, err)
	require.Empty(t, logs)
}
