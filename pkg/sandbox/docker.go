package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/taskmesh/taskmesh/pkg/logger"
)

// DockerBackend runs sandbox jobs as locked-down containers: no network,
// read-only rootfs, all capabilities dropped, bounded tmpfs, pid/cpu/memory
// limits, forced removal after collection.
type DockerBackend struct {
	cli   *client.Client
	grace time.Duration
	log   logger.Logger
}

// NewDockerBackend creates a backend against the local Docker daemon.
func NewDockerBackend(grace time.Duration, log logger.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if grace <= 0 {
		grace = 2 * time.Second
	}
	if log == nil {
		log = logger.Global()
	}
	return &DockerBackend{cli: cli, grace: grace, log: log.With("component", "sandbox-docker")}, nil
}

// Run executes one job to completion or wall-clock expiry.
func (b *DockerBackend) Run(ctx context.Context, job Job) (*RunResult, error) {
	env := make([]string, 0, len(job.Env))
	for k, v := range job.Env {
		env = append(env, k+"="+v)
	}

	networkMode := "none"
	if job.NetworkAllowed {
		networkMode = "bridge"
	}

	cfg := &container.Config{
		Image: job.Image,
		Cmd:   job.Cmd,
		Env:   env,
		Labels: map[string]string{
			"taskmesh.job_id":  job.ID,
			"taskmesh.task_id": job.TaskID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(networkMode),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%d", job.Limits.TmpfsBytes),
		},
		Resources: container.Resources{
			Memory:    job.Limits.MemoryBytes,
			NanoCPUs:  int64(job.Limits.CPUCores * 1e9),
			PidsLimit: &job.Limits.Pids,
		},
	}

	created, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, "taskmesh-"+job.ID)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := created.ID
	defer b.remove(id)

	start := time.Now()
	if err := b.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	exitCode, err := b.wait(ctx, id, job.Limits.Wallclock)
	runtime := time.Since(start)
	if err != nil {
		return nil, err
	}

	stdout, stderr, truncated, err := b.collectOutput(id, job.Limits.OutputBytesCap)
	if err != nil {
		return nil, fmt.Errorf("collect output: %w", err)
	}

	return &RunResult{
		ExitCode:  exitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		Truncated: truncated,
		Runtime:   runtime,
	}, nil
}

// wait blocks until the container exits or the wall clock expires. On expiry
// the container is stopped within the grace window, killed if still alive,
// and ErrWallclock is returned.
func (b *DockerBackend) wait(ctx context.Context, id string, wallclock time.Duration) (int, error) {
	waitCh, errCh := b.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	timer := time.NewTimer(wallclock)
	defer timer.Stop()

	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return 0, fmt.Errorf("container wait: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return 0, fmt.Errorf("container wait: %w", err)
	case <-ctx.Done():
		b.kill(id)
		return 0, ctx.Err()
	case <-timer.C:
		b.terminate(id)
		return 0, ErrWallclock
	}
}

// terminate stops the container within the grace window, escalating to kill.
func (b *DockerBackend) terminate(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.grace+time.Second)
	defer cancel()
	graceSecs := int(b.grace.Seconds())
	if err := b.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &graceSecs}); err != nil {
		b.log.Warn("container stop failed, killing", "container_id", id, "error", err)
		b.kill(id)
	}
}

func (b *DockerBackend) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.cli.ContainerKill(ctx, id, "KILL"); err != nil && !strings.Contains(err.Error(), "not running") {
		b.log.Error("container kill failed", "container_id", id, "error", err)
	}
}

func (b *DockerBackend) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		b.log.Warn("container remove failed", "container_id", id, "error", err)
	}
}

// collectOutput reads demuxed stdout/stderr up to cap bytes per stream.
func (b *DockerBackend) collectOutput(id string, capBytes int64) (string, string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logs, err := b.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", false, err
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	// Read one extra byte per stream to detect truncation.
	outW := &cappedWriter{w: &stdout, remaining: capBytes + 1}
	errW := &cappedWriter{w: &stderr, remaining: capBytes + 1}
	if _, err := stdcopy.StdCopy(outW, errW, logs); err != nil && err != io.ErrShortWrite {
		return "", "", false, err
	}

	truncated := false
	outStr, errStr := stdout.String(), stderr.String()
	if int64(len(outStr)) > capBytes {
		outStr = outStr[:capBytes]
		truncated = true
	}
	if int64(len(errStr)) > capBytes {
		errStr = errStr[:capBytes]
		truncated = true
	}
	return outStr, errStr, truncated, nil
}

// Close releases the Docker client.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// cappedWriter discards bytes beyond its budget instead of failing the copy.
type cappedWriter struct {
	w         io.Writer
	remaining int64
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if c.remaining <= 0 {
		return n, nil
	}
	if int64(n) > c.remaining {
		if _, err := c.w.Write(p[:c.remaining]); err != nil {
			return 0, err
		}
		c.remaining = 0
		return n, nil
	}
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	c.remaining -= int64(n)
	return n, nil
}
