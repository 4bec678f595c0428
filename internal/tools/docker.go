package tools

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const sandboxMount = "/workspace"

// SandboxConfig describes the container accepted commands run in.
type SandboxConfig struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
	// Workspace is the host directory bound at /workspace. Working
	// directories below it map to the same relative path in the container.
	Workspace string
}

// DockerSandbox runs each command in a fresh container.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

func (c SandboxConfig) withDefaults() SandboxConfig {
	if c.Image == "" {
		c.Image = "alpine:3.20"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 512
	}
	if c.NetworkMode == "" {
		c.NetworkMode = "none"
	}
	return c
}

// NewDockerSandbox connects to the daemon named by the DOCKER_* environment.
func NewDockerSandbox(cfg SandboxConfig) (*DockerSandbox, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Workspace) == "" {
		return nil, fmt.Errorf("docker sandbox: workspace is required")
	}
	ws, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("docker sandbox workspace: %w", err)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerSandbox{
		client:      cli,
		image:       cfg.Image,
		memoryBytes: cfg.MemoryMB * 1024 * 1024,
		networkMode: cfg.NetworkMode,
		workspace:   ws,
	}, nil
}

// containerDir maps a host working directory into the container. Paths
// outside the workspace fall back to the mount root.
func containerDir(workspace, workDir string) string {
	if workDir == "" {
		return sandboxMount
	}
	rel, err := filepath.Rel(workspace, workDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return sandboxMount
	}
	return path.Join(sandboxMount, filepath.ToSlash(rel))
}

func (d *DockerSandbox) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: containerDir(d.workspace, workDir),
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:%s", d.workspace, sandboxMount)},
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	// Logs are read after exit, so removal is explicit rather than AutoRemove.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return "", "command timed out", -1, ctx.Err()
		}
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.client.ContainerKill(killCtx, id, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, out); err != nil {
		return outBuf.String(), errBuf.String(), exitCode, fmt.Errorf("demux container logs: %w", err)
	}
	return outBuf.String(), errBuf.String(), exitCode, nil
}

func (d *DockerSandbox) Close() error {
	return d.client.Close()
}

// Ping checks that the daemon answers and the image is present locally.
func (d *DockerSandbox) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon: %w", err)
	}
	if _, err := d.client.ImageInspect(ctx, d.image); err != nil {
		return fmt.Errorf("sandbox image %s: %w", d.image, err)
	}
	return nil
}
