package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/config"
	"github.com/saltfish/wfsearch/internal/domain"
)

const (
	// Label keys for container management
	labelRunID   = "wfsearch.run_id"
	labelJobID   = "wfsearch.job_id"
	labelManaged = "wfsearch.managed"

	// dataMountPath is where market data is mounted inside the container.
	dataMountPath = "/wfsearch/data"
)

// toAbsolutePath converts a relative path to absolute path.
// If the path is already absolute, it returns as-is.
func toAbsolutePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path // fallback to original
	}
	return filepath.Join(cwd, path)
}

// shortID trims a container id for logging.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// dockerManager implements Manager using the Docker SDK.
type dockerManager struct {
	client    *client.Client
	config    *config.DockerConfig
	resources container.Resources
	params    *ParamsWriter
	logger    *zap.Logger

	mu       sync.Mutex
	cleanups map[string]func() // containerID -> params file cleanup
}

// NewDockerManager creates a new Docker manager.
func NewDockerManager(cfg *config.DockerConfig, logger *zap.Logger) (Manager, error) {
	resources, err := Resources(cfg)
	if err != nil {
		return nil, err
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemon, err)
	}

	logger.Info("Docker client connected",
		zap.String("default_image", cfg.Image),
		zap.Int64("nano_cpus", resources.NanoCPUs),
		zap.Int64("memory_bytes", resources.Memory),
	)

	return &dockerManager{
		client:    cli,
		config:    cfg,
		resources: resources,
		params:    NewParamsWriter("", logger),
		logger:    logger,
		cleanups:  make(map[string]func()),
	}, nil
}

// Resources converts the configured limits into container resources.
// CPU limits are fractional CPUs ("1.5"); memory limits use docker units ("2g").
func Resources(cfg *config.DockerConfig) (container.Resources, error) {
	var res container.Resources

	if cfg.CPULimit != "" {
		cpus, err := decimal.NewFromString(cfg.CPULimit)
		if err != nil || !cpus.IsPositive() {
			return res, fmt.Errorf("invalid cpu limit %q", cfg.CPULimit)
		}
		res.NanoCPUs = cpus.Mul(decimal.NewFromInt(1e9)).IntPart()
	}

	if cfg.MemoryLimit != "" {
		mem, err := units.RAMInBytes(cfg.MemoryLimit)
		if err != nil {
			return res, fmt.Errorf("invalid memory limit %q: %w", cfg.MemoryLimit, err)
		}
		res.Memory = mem
	}

	return res, nil
}

// containerSpec describes the engine container for job. paramsPath is the host
// path of the job's parameter file.
func (m *dockerManager) containerSpec(job *domain.Job, env []string, paramsPath string) (*container.Config, *container.HostConfig) {
	img := job.Engine.Image
	if img == "" {
		img = m.config.Image
	}

	binds := []string{paramsPath + ":" + ParamsMountPath + ":ro"}
	if m.config.DataMount != "" {
		binds = append(binds, toAbsolutePath(m.config.DataMount)+":"+dataMountPath+":ro")
	}

	return &container.Config{
			Image: img,
			Cmd:   job.Engine.Command,
			Env:   env,
			Labels: map[string]string{
				labelRunID:   job.RunID.String(),
				labelJobID:   strconv.FormatInt(job.ID, 10),
				labelManaged: "true",
			},
		}, &container.HostConfig{
			Binds:       binds,
			Resources:   m.resources,
			NetworkMode: container.NetworkMode(m.config.Network),
			// removal happens after the logs are read
			AutoRemove: false,
		}
}

// StartJob writes the job's parameter file and starts its engine container.
// The file is removed again if the container cannot be started.
func (m *dockerManager) StartJob(ctx context.Context, job *domain.Job) (containerID string, err error) {
	if job.Engine.Image == "" && m.config.Image == "" {
		return "", fmt.Errorf("job %d has no engine image", job.ID)
	}
	env, err := Environment(job)
	if err != nil {
		return "", err
	}

	paramsFile, err := m.params.Write(job)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			paramsFile.Cleanup()
		}
	}()

	cfg, host := m.containerSpec(job, env, paramsFile.Path)
	if err := m.ensureImage(ctx, cfg.Image); err != nil {
		return "", fmt.Errorf("failed to ensure image: %w", err)
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	m.mu.Lock()
	m.cleanups[resp.ID] = paramsFile.Cleanup
	m.mu.Unlock()

	m.logger.Info("Started engine container",
		zap.String("container_id", shortID(resp.ID)),
		zap.String("run_id", job.RunID.String()),
		zap.Int64("job_id", job.ID),
		zap.String("kind", job.Kind.String()),
		zap.String("image", cfg.Image),
	)
	return resp.ID, nil
}

// WaitContainer blocks until the container stops and returns its exit code and logs.
func (m *dockerManager) WaitContainer(ctx context.Context, containerID string) (int64, string, error) {
	statusCh, errCh := m.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var status container.WaitResponse
	select {
	case status = <-statusCh:
	case err := <-errCh:
		if ctx.Err() != nil {
			return -1, "", ctx.Err()
		}
		return -1, "", fmt.Errorf("%w: error waiting for container: %v", ErrDaemon, err)
	case <-ctx.Done():
		return -1, "", ctx.Err()
	}

	log := m.logger.With(zap.String("container_id", shortID(containerID)))
	logs, err := m.GetContainerLogs(ctx, containerID)
	if err != nil {
		log.Warn("Failed to get container logs", zap.Error(err))
	}
	log.Info("Container finished", zap.Int64("exit_code", status.StatusCode))
	return status.StatusCode, logs, nil
}

// StopContainer stops a running container.
func (m *dockerManager) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10 // seconds
	if err := m.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	m.logger.Info("Stopped container",
		zap.String("container_id", shortID(containerID)),
	)

	return nil
}

// RemoveContainer removes a container and its parameter file.
func (m *dockerManager) RemoveContainer(ctx context.Context, containerID string) error {
	m.mu.Lock()
	cleanup, ok := m.cleanups[containerID]
	delete(m.cleanups, containerID)
	m.mu.Unlock()
	if ok {
		cleanup()
	}

	removeOptions := container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}
	if err := m.client.ContainerRemove(ctx, containerID, removeOptions); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	m.logger.Debug("Removed container",
		zap.String("container_id", shortID(containerID)),
	)

	return nil
}

// GetContainerLogs retrieves logs from a container. Stderr is placed before
// stdout so the engine's result line stays last.
func (m *dockerManager) GetContainerLogs(ctx context.Context, containerID string) (string, error) {
	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}

	reader, err := m.client.ContainerLogs(ctx, containerID, options)
	if err != nil {
		return "", fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	// Docker multiplexes stdout/stderr, need to demux
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		// TTY containers are not multiplexed
		raw, rerr := m.client.ContainerLogs(ctx, containerID, options)
		if rerr != nil {
			return "", fmt.Errorf("failed to get container logs: %w", rerr)
		}
		defer raw.Close()
		data, _ := io.ReadAll(raw)
		return string(data), nil
	}

	var combined strings.Builder
	if stderr.Len() > 0 {
		combined.WriteString(stderr.String())
		combined.WriteString("\n=== STDOUT ===\n")
	}
	combined.WriteString(stdout.String())

	return combined.String(), nil
}

// CleanupStaleContainers removes containers that exceed the maximum age.
func (m *dockerManager) CleanupStaleContainers(ctx context.Context, maxAge time.Duration) (int, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=true")

	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	cleaned := 0

	for _, c := range containers {
		created := time.Unix(c.Created, 0)
		if !created.Before(cutoff) {
			continue
		}

		if c.State == "running" {
			m.StopContainer(ctx, c.ID)
		}

		if err := m.RemoveContainer(ctx, c.ID); err != nil {
			m.logger.Warn("Failed to remove stale container",
				zap.String("container_id", shortID(c.ID)),
				zap.Error(err),
			)
			continue
		}

		cleaned++
		m.logger.Info("Cleaned up stale container",
			zap.String("container_id", shortID(c.ID)),
			zap.String("job_id", c.Labels[labelJobID]),
			zap.Time("created", created),
		)
	}

	return cleaned, nil
}

// IsContainerRunning checks if a container is still running.
func (m *dockerManager) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}

	return inspect.State.Running, nil
}

// ensureImage ensures the engine image is available locally.
func (m *dockerManager) ensureImage(ctx context.Context, ref string) error {
	_, _, err := m.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil // Image exists
	}

	if !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: failed to check image: %v", ErrDaemon, err)
	}

	m.logger.Info("Pulling engine image", zap.String("image", ref))

	reader, err := m.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull: %w", err)
	}

	m.logger.Info("Successfully pulled image", zap.String("image", ref))

	return nil
}

// Ensure interface compliance at compile time.
var _ Manager = (*dockerManager)(nil)
