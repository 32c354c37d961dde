//go:build integration

package container

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
)

// TestExecutor_Run_CollectsResultFileOnCleanExit exercises a real Docker
// daemon (via testcontainers-go, which is also what validates Docker is
// reachable before the test body runs): a component writes its structured
// output to SHIPSEC_OUTPUT_PATH and exits zero, and Run must read that file
// back unmodified.
func TestExecutor_Run_CollectsResultFileOnCleanExit(t *testing.T) {
	ctx := context.Background()
	probe, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{Image: "alpine:3.20", Cmd: []string{"true"}},
		Started:          false,
	})
	if err != nil {
		t.Skipf("docker not reachable, skipping container integration test: %v", err)
	}
	_ = probe.Terminate(ctx)

	exec, err := New()
	require.NoError(t, err)
	defer exec.Close()

	spec := shipsec.ContainerSpec{
		Image:          "alpine:3.20",
		Command:        []string{"sh", "-c", `echo "$SHIPSEC_OUTPUT_PATH" && echo '{"ok":true}' > "$SHIPSEC_OUTPUT_PATH"`},
		TimeoutSeconds: 30,
	}
	ec := &shipsec.ExecutionContext{Context: ctx}

	out, err := exec.Run(ctx, spec, nil, ec)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(out))
}

// TestExecutor_Run_NonZeroExitReturnsContainerErrorWithSoftResult verifies
// that a non-zero exit still surfaces any result.json the component managed
// to write, recovered into the returned error's Details, per "scanners that
// exit non-zero but still produced valid output."
func TestExecutor_Run_NonZeroExitReturnsContainerErrorWithSoftResult(t *testing.T) {
	ctx := context.Background()
	exec, err := New()
	if err != nil {
		t.Skipf("docker not reachable, skipping container integration test: %v", err)
	}
	defer exec.Close()

	spec := shipsec.ContainerSpec{
		Image:          "alpine:3.20",
		Command:        []string{"sh", "-c", `echo '{"findings":3}' > "$SHIPSEC_OUTPUT_PATH"; exit 2`},
		TimeoutSeconds: 30,
	}
	ec := &shipsec.ExecutionContext{Context: ctx}

	_, err = exec.Run(ctx, spec, nil, ec)
	require.Error(t, err)

	var serr *shipsec.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, shipsec.KindContainer, serr.Kind)
	require.Equal(t, int64(2), serr.Details["exitCode"])

	stdout, merr := json.Marshal(serr.Details["stdout"])
	require.NoError(t, merr)
	require.JSONEq(t, `{"findings":3}`, string(stdout))
}

// TestExecutor_Run_TimeoutKillsContainer verifies a component that never
// exits is killed and reported as KindTimeout once TimeoutSeconds elapses.
func TestExecutor_Run_TimeoutKillsContainer(t *testing.T) {
	ctx := context.Background()
	exec, err := New()
	if err != nil {
		t.Skipf("docker not reachable, skipping container integration test: %v", err)
	}
	defer exec.Close()

	spec := shipsec.ContainerSpec{
		Image:          "alpine:3.20",
		Command:        []string{"sleep", "30"},
		TimeoutSeconds: 1,
	}
	ec := &shipsec.ExecutionContext{Context: ctx}

	start := time.Now()
	_, err = exec.Run(ctx, spec, nil, ec)
	require.Error(t, err)
	require.Less(t, time.Since(start), 25*time.Second)

	var serr *shipsec.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, shipsec.KindTimeout, serr.Kind)
}

// TestExecutor_Run_PTYModeRelaysCombinedStream exercises the PTY code path:
// a terminal emitter records every chunk published for the pty stream, and
// the component's combined stdout/stderr output must appear there instead
// of on the separate stdout/stderr streams.
func TestExecutor_Run_PTYModeRelaysCombinedStream(t *testing.T) {
	ctx := context.Background()
	exec, err := New()
	if err != nil {
		t.Skipf("docker not reachable, skipping container integration test: %v", err)
	}
	defer exec.Close()

	var ptyChunks [][]byte
	spec := shipsec.ContainerSpec{
		Image:          "alpine:3.20",
		PTY:            true,
		Command:        []string{"sh", "-c", `echo "hello from pty"; echo '{}' > "$SHIPSEC_OUTPUT_PATH"`},
		TimeoutSeconds: 30,
	}
	ec := &shipsec.ExecutionContext{
		Context: ctx,
		Terminal: func(stream shipsec.Stream) shipsec.TerminalEmitFunc {
			return func(payload []byte) {
				if stream == shipsec.StreamPTY {
					ptyChunks = append(ptyChunks, append([]byte(nil), payload...))
				}
			}
		},
	}

	_, err = exec.Run(ctx, spec, nil, ec)
	require.NoError(t, err)
	require.NotEmpty(t, ptyChunks)
}
