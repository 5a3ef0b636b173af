// Package docker implements the sandbox driver against a local Docker
// daemon via the Docker SDK.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/config"
	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/sandbox"
)

const stopTimeout = 10 * time.Second

// Driver implements sandbox.Driver on top of the Docker SDK.
type Driver struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

var _ sandbox.Driver = (*Driver)(nil)

// New creates a Docker driver.
func New(cfg config.DockerConfig, log *logger.Logger) (*Driver, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Driver{cli: cli, cfg: cfg, logger: log}, nil
}

// Ping verifies the daemon is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Close closes the Docker client.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// EnsureVolume creates the named volume; creating an existing volume is a
// no-op on the daemon side.
func (d *Driver) EnsureVolume(ctx context.Context, name string) error {
	d.logger.Debug("Ensuring volume", zap.String("volume", name))
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// DeleteVolume removes the named volume. A missing volume is not an error.
func (d *Driver) DeleteVolume(ctx context.Context, name string) error {
	d.logger.Info("Removing volume", zap.String("volume", name))
	err := d.cli.VolumeRemove(ctx, name, false)
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// CreateContainer creates a sandbox container with the workspace volume
// mounted and the agent port published on the loopback interface.
func (d *Driver) CreateContainer(ctx context.Context, spec sandbox.ContainerSpec) (string, error) {
	d.logger.Info("Creating container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
		zap.String("volume", spec.VolumeName),
	)

	nanoCPUs := spec.NanoCPUs
	if nanoCPUs == 0 {
		nanoCPUs = sandbox.DefaultNanoCPUs
	}
	memoryBytes := spec.MemoryBytes
	if memoryBytes == 0 {
		memoryBytes = sandbox.DefaultMemoryBytes
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}

	network := spec.Network
	if network == "" {
		network = d.cfg.DefaultNetwork
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(network),
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memoryBytes,
		},
	}
	if spec.VolumeName != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: spec.VolumeName,
			Target: spec.VolumeTarget,
		}}
	}
	if spec.AgentPort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.AgentPort))
		if err != nil {
			return "", fmt.Errorf("invalid agent port %d: %w", spec.AgentPort, err)
		}
		containerCfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		// Ephemeral host port on loopback; Inspect reports the binding.
		hostCfg.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1"}}}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	d.logger.Info("Container created", zap.String("container_id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

// StartContainer starts a created container.
func (d *Driver) StartContainer(ctx context.Context, containerID string) error {
	d.logger.Info("Starting container", zap.String("container_id", containerID))
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// StopAndRemove stops and removes a container. Idempotent: missing
// containers are ignored.
func (d *Driver) StopAndRemove(ctx context.Context, containerID string) error {
	d.logger.Info("Stopping container", zap.String("container_id", containerID))

	timeoutSeconds := int(stopTimeout.Seconds())
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}

	err = d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}

	d.logger.Info("Container removed", zap.String("container_id", containerID))
	return nil
}

// Inspect returns the container's image identity and how to reach the agent
// worker: a published host port when one exists, the container IP otherwise.
func (d *Driver) Inspect(ctx context.Context, containerID string) (*sandbox.ContainerInfo, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	info := &sandbox.ContainerInfo{
		ID:          inspect.ID,
		ImageDigest: inspect.Image,
	}
	if inspect.Config != nil {
		info.ImageName = inspect.Config.Image
	}
	if inspect.State != nil {
		info.Running = inspect.State.Running
	}

	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			info.IPAddress = inspect.NetworkSettings.IPAddress
		} else {
			for _, netSettings := range inspect.NetworkSettings.Networks {
				if netSettings.IPAddress != "" {
					info.IPAddress = netSettings.IPAddress
					break
				}
			}
		}
		for port, bindings := range inspect.NetworkSettings.Ports {
			if port.Proto() != "tcp" || len(bindings) == 0 {
				continue
			}
			if hostPort, err := strconv.Atoi(bindings[0].HostPort); err == nil {
				info.HostPort = hostPort
				break
			}
		}
	}

	return info, nil
}

// Exec runs argv inside the container and collects stdout, stderr, and the
// exit code.
func (d *Driver) Exec(ctx context.Context, containerID string, argv []string, workdir string) (*sandbox.ExecResult, error) {
	d.logger.Debug("Exec in container",
		zap.String("container_id", containerID),
		zap.Strings("argv", argv),
		zap.String("workdir", workdir),
	)

	created, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in %s: %w", containerID, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in %s: %w", containerID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &sandbox.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// GetArchive returns a tar stream of the given path inside the container.
func (d *Driver) GetArchive(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	reader, _, err := d.cli.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s from container %s: %w", srcPath, containerID, err)
	}
	return reader, nil
}

// PutFile writes data to an absolute path inside the container, creating
// parent directories first.
func (d *Driver) PutFile(ctx context.Context, containerID, dstPath string, data []byte) error {
	dir := path.Dir(dstPath)
	if res, err := d.Exec(ctx, containerID, []string{"mkdir", "-p", dir}, ""); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return fmt.Errorf("mkdir -p %s exited %d: %s", dir, res.ExitCode, res.Stderr)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    path.Base(dstPath),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}

	if err := d.cli.CopyToContainer(ctx, containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy %s into container %s: %w", dstPath, containerID, err)
	}
	return nil
}
