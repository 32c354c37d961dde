// Package container implements the sandboxed container executor: it runs
// one container to completion, relays its standard streams or a PTY through
// the terminal chunk emitter, enforces a wall-clock timeout, and collects a
// structured result file written by the component.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
)

const (
	// ManagedLabel marks every container this executor creates, so a
	// startup sweep can clean up anything orphaned by a crashed process.
	ManagedLabel = "ai.shipsec.managed"

	outputMountTarget = "/shipsec-output"
	outputFileName    = "result.json"
	outputEnvVar      = "SHIPSEC_OUTPUT_PATH"

	defaultTimeout = 5 * time.Minute
	stderrTailMax  = 500
)

// Executor runs Container-kind runner specs against a Docker engine.
type Executor struct {
	cli     *client.Client
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l telemetry.Logger) Option   { return func(e *Executor) { e.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(e *Executor) { e.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(e *Executor) { e.tracer = t } }

// New constructs an Executor against the Docker engine reachable via the
// standard DOCKER_HOST/env conventions, negotiating the API version.
func New(opts ...Option) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("construct docker client: %w", err)
	}
	e := &Executor{
		cli:     cli,
		logger:  telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
		tracer:  telemetry.NoopTracer{},
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.cleanupOrphans(context.Background())
	return e, nil
}

// Close releases the underlying Docker client.
func (e *Executor) Close() error { return e.cli.Close() }

func (e *Executor) cleanupOrphans(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filtersArgs(ManagedLabel, "true"),
	})
	if err != nil {
		e.logger.Warn(ctx, "failed to list orphaned containers", "error", err.Error())
		return
	}
	for _, c := range list {
		if err := e.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			e.logger.Warn(ctx, "failed to remove orphaned container", "container_id", c.ID, "error", err.Error())
		}
	}
}

// Run starts one container, relays its I/O, waits for completion (or
// timeout), and returns the structured result read back from
// /shipsec-output/result.json.
func (e *Executor) Run(ctx context.Context, spec shipsec.ContainerSpec, stdin json.RawMessage, ec *shipsec.ExecutionContext) (json.RawMessage, error) {
	ctx, span := e.tracer.Start(ctx, "container.run")
	defer span.End()
	span.SetAttribute("image", spec.Image)

	timeout := defaultTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hostDir, err := os.MkdirTemp("", "shipsec-output-*")
	if err != nil {
		return nil, shipsec.Wrap(shipsec.KindConfiguration, "", fmt.Errorf("create host output dir: %w", err))
	}
	defer func() {
		if rmErr := os.RemoveAll(hostDir); rmErr != nil {
			e.logger.Warn(ctx, "failed to remove host output dir", "dir", hostDir, "error", rmErr.Error())
		}
	}()

	containerID, err := e.create(runCtx, spec, hostDir)
	if err != nil {
		return nil, shipsec.Wrap(shipsec.KindContainer, "", err)
	}
	defer e.remove(context.Background(), containerID)

	if err := e.cli.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return nil, shipsec.Wrap(shipsec.KindContainer, "", fmt.Errorf("start container: %w", err))
	}

	stderrTail, execErr := e.relayIO(runCtx, containerID, spec, stdin, ec)

	statusCh, errCh := e.cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if runCtx.Err() != nil {
			e.kill(context.Background(), containerID)
			return nil, shipsec.NewError(shipsec.KindTimeout, "", fmt.Sprintf("container exceeded timeout of %s", timeout)).WithStderr(stderrTail)
		}
		if err != nil {
			return nil, shipsec.Wrap(shipsec.KindContainer, "", fmt.Errorf("wait for container: %w", err)).WithStderr(stderrTail)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	if execErr != nil {
		e.logger.Warn(ctx, "error relaying container io", "container_id", containerID, "error", execErr.Error())
	}

	if exitCode != 0 {
		cerr := shipsec.NewError(shipsec.KindContainer, "", fmt.Sprintf("container exited with code %d", exitCode)).
			WithStderr(stderrTail).
			WithDetails(map[string]any{"exitCode": exitCode})
		return nil, returnSoftContainerError(cerr, hostDir)
	}

	return e.readResult(hostDir)
}

// returnSoftContainerError reads a best-effort result file alongside a
// non-zero exit so callers that tolerate "soft" failures (e.g. scanners
// that exit non-zero but still produced valid output) can recover partial
// output from details.stdout. The caller always receives the *Error; this
// helper only enriches its Details.
func returnSoftContainerError(cerr *shipsec.Error, hostDir string) error {
	if out, err := os.ReadFile(filepath.Join(hostDir, outputFileName)); err == nil {
		var doc any
		if json.Unmarshal(out, &doc) == nil {
			if cerr.Details == nil {
				cerr.Details = map[string]any{}
			}
			cerr.Details["stdout"] = doc
		}
	}
	return cerr
}

func (e *Executor) create(ctx context.Context, spec shipsec.ContainerSpec, hostDir string) (string, error) {
	env := make([]string, 0, len(spec.Env)+1)
	env = append(env, fmt.Sprintf("%s=%s", outputEnvVar, filepath.Join(outputMountTarget, outputFileName)))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: hostDir, Target: outputMountTarget},
	}
	for _, v := range spec.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	networkMode := container.NetworkMode(spec.Network)
	if networkMode == "" {
		networkMode = container.NetworkMode(shipsec.NetworkNone)
	}

	ptyMode := spec.PTY
	cmd := append(append([]string{}, spec.Entrypoint...), spec.Command...)

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          cmd,
		Env:          env,
		Tty:          ptyMode,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{ManagedLabel: "true"},
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: networkMode,
	}
	platform, err := parsePlatform(spec.Platform)
	if err != nil {
		return "", fmt.Errorf("parse platform override %q: %w", spec.Platform, err)
	}

	name := "shipsec-" + uuid.NewString()
	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, platform, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

// parsePlatform converts a user-declared "os/arch[/variant]" platform
// string into the *ocispec.Platform the Docker API expects, matching the
// same "os/arch" convention docker CLI's --platform flag accepts. An empty
// string leaves platform selection to the daemon's default.
func parsePlatform(raw string) (*ocispec.Platform, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("expected \"os/arch\" or \"os/arch/variant\", got %q", raw)
	}
	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) > 2 {
		p.Variant = parts[2]
	}
	return p, nil
}

// relayIO attaches to the container, writes stdin per spec.StdinJSON, and
// streams stdout/stderr (or the combined PTY stream) through the execution
// context's terminal emitters. It returns the last stderrTailMax bytes seen
// on stderr (in PTY mode, on the combined stream) for error reporting.
func (e *Executor) relayIO(ctx context.Context, containerID string, spec shipsec.ContainerSpec, stdin json.RawMessage, ec *shipsec.ExecutionContext) ([]byte, error) {
	hr, err := e.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach to container: %w", err)
	}
	defer hr.Close()

	go func() {
		defer hr.CloseWrite()
		if spec.PTY || !spec.StdinJSON {
			return
		}
		if len(stdin) > 0 {
			_, _ = hr.Conn.Write(stdin)
		}
	}()

	var stderrTail bytes.Buffer
	stdoutEmit := terminalEmit(ec, shipsec.StreamStdout)
	stderrEmit := terminalEmit(ec, shipsec.StreamStderr)
	ptyEmit := terminalEmit(ec, shipsec.StreamPTY)

	if spec.PTY {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := hr.Reader.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				ptyEmit(chunk)
				ec.EmitLog(shipsec.LogEntry{Level: "info", Message: string(chunk)})
				appendTail(&stderrTail, chunk)
			}
			if rerr != nil {
				if rerr == io.EOF {
					return tailBytes(&stderrTail), nil
				}
				return tailBytes(&stderrTail), rerr
			}
		}
	}

	stdoutW := chunkWriter{emit: func(b []byte) {
		stdoutEmit(b)
		ec.EmitLog(shipsec.LogEntry{Level: "info", Message: string(b)})
	}}
	stderrW := chunkWriter{emit: func(b []byte) {
		stderrEmit(b)
		ec.EmitLog(shipsec.LogEntry{Level: "warn", Message: string(b)})
		appendTail(&stderrTail, b)
	}}
	_, err = stdcopy.StdCopy(stdoutW, stderrW, hr.Reader)
	if err != nil && err != io.EOF {
		return tailBytes(&stderrTail), err
	}
	return tailBytes(&stderrTail), nil
}

func terminalEmit(ec *shipsec.ExecutionContext, stream shipsec.Stream) shipsec.TerminalEmitFunc {
	if ec == nil || ec.Terminal == nil {
		return func([]byte) {}
	}
	return ec.Terminal(stream)
}

// chunkWriter adapts a func([]byte) into an io.Writer for stdcopy.StdCopy.
type chunkWriter struct {
	emit func([]byte)
}

func (w chunkWriter) Write(p []byte) (int, error) {
	w.emit(append([]byte(nil), p...))
	return len(p), nil
}

func appendTail(buf *bytes.Buffer, b []byte) {
	buf.Write(b)
	if buf.Len() > stderrTailMax {
		trimmed := buf.Bytes()[buf.Len()-stderrTailMax:]
		buf.Reset()
		buf.Write(trimmed)
	}
}

func tailBytes(buf *bytes.Buffer) []byte {
	return append([]byte(nil), buf.Bytes()...)
}

func (e *Executor) readResult(hostDir string) (json.RawMessage, error) {
	path := filepath.Join(hostDir, outputFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return json.RawMessage(`{}`), nil
		}
		return nil, shipsec.Wrap(shipsec.KindValidation, "", fmt.Errorf("read result file: %w", err))
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, shipsec.NewError(shipsec.KindValidation, "", fmt.Sprintf("malformed result.json: %s", err))
	}
	return raw, nil
}

func (e *Executor) kill(ctx context.Context, containerID string) {
	_ = e.cli.ContainerKill(ctx, containerID, "SIGKILL")
}

func (e *Executor) remove(ctx context.Context, containerID string) {
	if err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		e.logger.Warn(ctx, "failed to remove container", "container_id", containerID, "error", err.Error())
	}
}

// filtersArgs builds a docker filters.Args equivalent for a single
// label=value match without importing the filters package into the public
// surface of this file.
func filtersArgs(label, value string) filters.Args {
	return filters.NewArgs(filters.Arg("label", label+"="+value))
}
