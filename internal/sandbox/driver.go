// Package sandbox defines the abstract driver over container and volume
// operations. The control plane never talks to a container runtime directly;
// everything goes through Driver so tests can substitute a scripted fake.
package sandbox

import (
	"context"
	"io"
)

// ContainerSpec describes a sandbox container to create.
type ContainerSpec struct {
	Name         string
	Image        string
	VolumeName   string
	VolumeTarget string // mount point inside the container, e.g. /workspace
	Env          []string
	Network      string
	AgentPort    int // internal port the agent worker listens on
	Labels       map[string]string

	// Resource limits. Zero values fall back to the defaults below.
	NanoCPUs    int64
	MemoryBytes int64
}

// Default resource limits for sandbox containers.
const (
	DefaultNanoCPUs    = 500_000_000       // 0.5 CPU
	DefaultMemoryBytes = 512 * 1024 * 1024 // 512 MiB
)

// ContainerInfo is the subset of container inspection the control plane
// needs: image identity and how to reach the agent worker.
type ContainerInfo struct {
	ID          string
	ImageName   string
	ImageDigest string
	IPAddress   string
	// HostPort is the published host port for the container's agent port,
	// 0 when the control plane shares a network with the sandbox and can
	// dial IPAddress directly.
	HostPort int
	Running  bool
}

// ExecResult is the outcome of a command executed inside a container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Driver abstracts the container runtime.
type Driver interface {
	// EnsureVolume creates the named volume if it does not exist.
	EnsureVolume(ctx context.Context, name string) error
	// DeleteVolume removes the named volume. Missing volumes are not an
	// error.
	DeleteVolume(ctx context.Context, name string) error

	// CreateContainer creates (but does not start) a container.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// StartContainer starts a created container.
	StartContainer(ctx context.Context, containerID string) error
	// StopAndRemove stops and removes a container. Idempotent: a missing
	// container is not an error.
	StopAndRemove(ctx context.Context, containerID string) error
	// Inspect returns image identity and agent reachability for a container.
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)

	// Exec runs argv inside the container and waits for it to finish.
	Exec(ctx context.Context, containerID string, argv []string, workdir string) (*ExecResult, error)

	// GetArchive returns a tar stream of the given path inside the container.
	GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error)
	// PutFile writes data to the given absolute path inside the container,
	// creating parent directories as needed.
	PutFile(ctx context.Context, containerID, path string, data []byte) error
}
