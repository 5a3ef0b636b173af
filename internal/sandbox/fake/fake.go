// Package fake provides a scripted in-memory sandbox driver for tests.
package fake

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sandrun/sandrun/internal/sandbox"
)

// Container is the fake's record of a created container.
type Container struct {
	ID      string
	Spec    sandbox.ContainerSpec
	Started bool
	Removed bool
	// Files holds absolute path -> content written via PutFile.
	Files map[string][]byte
}

// Driver implements sandbox.Driver entirely in memory. Tests can preload
// exec results and per-method errors to script failure paths.
type Driver struct {
	mu         sync.Mutex
	volumes    map[string]bool
	containers map[string]*Container

	// ExecResults maps the first argv element to a scripted result. Unmapped
	// commands succeed with empty output.
	ExecResults map[string]*sandbox.ExecResult
	// Archives maps a container path to tar content returned by GetArchive.
	Archives map[string][]byte

	// Errs maps a method name (e.g. "CreateContainer") to an error returned
	// on the next call, then cleared. FailCounts makes the error repeat.
	Errs       map[string]error
	FailCounts map[string]int

	// Info overrides what Inspect reports. Nil fields fall back to defaults.
	Info *sandbox.ContainerInfo

	// Calls records method invocations in order, for assertions.
	Calls []string
}

var _ sandbox.Driver = (*Driver)(nil)

// New creates an empty fake driver.
func New() *Driver {
	return &Driver{
		volumes:     make(map[string]bool),
		containers:  make(map[string]*Container),
		ExecResults: make(map[string]*sandbox.ExecResult),
		Archives:    make(map[string][]byte),
		Errs:        make(map[string]error),
		FailCounts:  make(map[string]int),
	}
}

// FailNext makes the named method fail n times with err.
func (d *Driver) FailNext(method string, err error, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Errs[method] = err
	d.FailCounts[method] = n
}

func (d *Driver) takeErr(method string) error {
	err := d.Errs[method]
	if err == nil {
		return nil
	}
	d.FailCounts[method]--
	if d.FailCounts[method] <= 0 {
		delete(d.Errs, method)
		delete(d.FailCounts, method)
	}
	return err
}

func (d *Driver) record(method string) {
	d.Calls = append(d.Calls, method)
}

// Volumes returns the names of volumes that currently exist.
func (d *Driver) Volumes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := []string{}
	for name, exists := range d.volumes {
		if exists {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Container returns the record for a container ID, or nil.
func (d *Driver) Container(id string) *Container {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containers[id]
}

// Running returns the IDs of containers that are started and not removed.
func (d *Driver) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := []string{}
	for id, c := range d.containers {
		if c.Started && !c.Removed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (d *Driver) EnsureVolume(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("EnsureVolume")
	if err := d.takeErr("EnsureVolume"); err != nil {
		return err
	}
	d.volumes[name] = true
	return nil
}

func (d *Driver) DeleteVolume(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("DeleteVolume")
	if err := d.takeErr("DeleteVolume"); err != nil {
		return err
	}
	delete(d.volumes, name)
	return nil
}

func (d *Driver) CreateContainer(ctx context.Context, spec sandbox.ContainerSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CreateContainer")
	if err := d.takeErr("CreateContainer"); err != nil {
		return "", err
	}
	id := "ctr-" + uuid.New().String()
	d.containers[id] = &Container{
		ID:    id,
		Spec:  spec,
		Files: make(map[string][]byte),
	}
	return id, nil
}

func (d *Driver) StartContainer(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StartContainer")
	if err := d.takeErr("StartContainer"); err != nil {
		return err
	}
	c, ok := d.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.Started = true
	return nil
}

func (d *Driver) StopAndRemove(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StopAndRemove")
	if err := d.takeErr("StopAndRemove"); err != nil {
		return err
	}
	if c, ok := d.containers[containerID]; ok {
		c.Started = false
		c.Removed = true
	}
	return nil
}

func (d *Driver) Inspect(ctx context.Context, containerID string) (*sandbox.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Inspect")
	if err := d.takeErr("Inspect"); err != nil {
		return nil, err
	}
	c, ok := d.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", containerID)
	}
	if d.Info != nil {
		info := *d.Info
		info.ID = containerID
		return &info, nil
	}
	return &sandbox.ContainerInfo{
		ID:          containerID,
		ImageName:   c.Spec.Image,
		ImageDigest: "sha256:" + strings.Repeat("0", 64),
		IPAddress:   "172.17.0.2",
		HostPort:    0,
		Running:     c.Started && !c.Removed,
	}, nil
}

func (d *Driver) Exec(ctx context.Context, containerID string, argv []string, workdir string) (*sandbox.ExecResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Exec")
	if err := d.takeErr("Exec"); err != nil {
		return nil, err
	}
	if _, ok := d.containers[containerID]; !ok {
		return nil, fmt.Errorf("no such container: %s", containerID)
	}
	if len(argv) > 0 {
		if res, ok := d.ExecResults[argv[0]]; ok {
			out := *res
			return &out, nil
		}
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (d *Driver) GetArchive(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("GetArchive")
	if err := d.takeErr("GetArchive"); err != nil {
		return nil, err
	}
	if data, ok := d.Archives[srcPath]; ok {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil, fmt.Errorf("no such path in container %s: %s", containerID, srcPath)
}

func (d *Driver) PutFile(ctx context.Context, containerID, dstPath string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("PutFile")
	if err := d.takeErr("PutFile"); err != nil {
		return err
	}
	c, ok := d.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.Files[dstPath] = buf
	return nil
}

// TarDir builds a tar archive from name -> content entries, rooted under
// root. Tests use it to preload Archives for GetArchive.
func TarDir(root string, files map[string][]byte) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	dirs := map[string]bool{}
	writeDir := func(name string) {
		if name == "." || name == "/" || dirs[name] {
			return
		}
		dirs[name] = true
		_ = tw.WriteHeader(&tar.Header{
			Name:     name + "/",
			Typeflag: tar.TypeDir,
			Mode:     0o755,
		})
	}

	writeDir(root)
	for _, name := range names {
		full := path.Join(root, name)
		if dir := path.Dir(full); dir != root {
			writeDir(dir)
		}
		data := files[name]
		_ = tw.WriteHeader(&tar.Header{
			Name: full,
			Mode: 0o644,
			Size: int64(len(data)),
		})
		_, _ = tw.Write(data)
	}
	_ = tw.Close()
	return buf.Bytes()
}
