package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/archive"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/mount"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/herd/pkg/herderr"
)

const (
	// DefaultNamespace is the containerd namespace the orchestrator's
	// containers live in.
	DefaultNamespace = "herd"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// ManagedLabel marks every container this system owns; lookups filter
	// on this label.
	ManagedLabel = "tarantool"
)

// Mount is one host bind mount applied to a created container.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	ID            string
	Image         string
	Command       []string
	Env           []string
	Labels        map[string]string
	RestartPolicy string // "unless-stopped" is the only policy this system uses
	Mounts        []Mount
	NetworkIP     string // fixed IPv4 to assign on the managed network
}

// ContainerInfo is one observed, labeled container as reported by
// ListContainers, matching the emergent-state shape Sense needs.
type ContainerInfo struct {
	ID        string
	Labels    map[string]string
	IP        string
	IsRunning bool
	Image     string
	ImageID   string
}

// ExecResult is the outcome of running a command inside a container.
type ExecResult struct {
	Stdout   string
	ExitCode int
}

// ArchiveStat describes a captured tar stream's size, mirroring what a
// caller needs to record alongside a backup.
type ArchiveStat struct {
	Size int64
}

// Gateway is the thin façade the core calls against a single runtime host's
// containerd daemon. One Gateway is dialed per host address the Sense/
// Allocator/Group Controller layers need to reach.
type Gateway struct {
	client    *containerd.Client
	namespace string
}

// NewGateway connects to the containerd socket at socketPath (DefaultSocketPath
// if empty).
func NewGateway(socketPath string) (*Gateway, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, herderr.Wrap(herderr.Transient, "runtime.NewGateway", fmt.Errorf("connect to containerd: %w", err))
	}

	return &Gateway{client: client, namespace: DefaultNamespace}, nil
}

// Close releases the containerd client connection.
func (g *Gateway) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *Gateway) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, g.namespace)
}

// EnsureImage makes sure image is present locally, pulling it if missing or
// if force is set.
func (g *Gateway) EnsureImage(ctx context.Context, image string, force bool) error {
	ctx = g.ctx(ctx)

	if !force {
		if _, err := g.client.GetImage(ctx, image); err == nil {
			return nil
		}
	}

	if _, err := g.client.Pull(ctx, image, containerd.WithPullUnpack); err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.EnsureImage", fmt.Errorf("pull %s: %w", image, err))
	}
	return nil
}

// EnsureNetwork makes sure a user-defined bridge network named name exists
// with IPAM subnet subnet, creating it iff createIfMissing (the
// CREATE_NETWORK_AUTOMATICALLY policy). This system talks to the host's
// bridge/CNI plumbing directly rather than through a container-runtime
// network API, since containerd itself has no network object the way
// Docker does.
func (g *Gateway) EnsureNetwork(ctx context.Context, name, subnet string, createIfMissing bool) error {
	if err := exec.CommandContext(ctx, "ip", "link", "show", name).Run(); err == nil {
		return nil
	}
	if !createIfMissing {
		return herderr.New(herderr.ConfigInvalid, "runtime.EnsureNetwork", fmt.Errorf("network %s does not exist and creation is disabled", name))
	}

	if err := exec.CommandContext(ctx, "ip", "link", "add", "name", name, "type", "bridge").Run(); err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.EnsureNetwork", fmt.Errorf("create bridge %s: %w", name, err))
	}
	gateway, err := firstUsableAddr(subnet)
	if err != nil {
		return herderr.Wrap(herderr.ConfigInvalid, "runtime.EnsureNetwork", err)
	}
	if err := exec.CommandContext(ctx, "ip", "addr", "add", gateway, "dev", name).Run(); err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.EnsureNetwork", fmt.Errorf("assign gateway to %s: %w", name, err))
	}
	if err := exec.CommandContext(ctx, "ip", "link", "set", name, "up").Run(); err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.EnsureNetwork", fmt.Errorf("bring up %s: %w", name, err))
	}
	return nil
}

func firstUsableAddr(cidr string) (string, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("parse subnet %q: %w", cidr, err)
	}
	next := make(net.IP, len(ip.To4()))
	copy(next, ip.To4())
	next[len(next)-1]++
	ones, _ := ipNet.Mask.Size()
	return fmt.Sprintf("%s/%d", next.String(), ones), nil
}

// CreateContainer creates and starts a container from spec, then assigns its
// fixed network IP inside the container's network namespace.
func (g *Gateway) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = g.ctx(ctx)

	image, err := g.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", herderr.Wrap(herderr.NotFound, "runtime.CreateContainer", fmt.Errorf("image %s not present: %w", spec.Image, err))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     options,
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := spec.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	labels[ManagedLabel] = "true"

	container, err := g.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", herderr.Wrap(herderr.Transient, "runtime.CreateContainer", fmt.Errorf("create %s: %w", spec.ID, err))
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", herderr.Wrap(herderr.Transient, "runtime.CreateContainer", fmt.Errorf("create task for %s: %w", spec.ID, err))
	}
	if err := task.Start(ctx); err != nil {
		return "", herderr.Wrap(herderr.Transient, "runtime.CreateContainer", fmt.Errorf("start %s: %w", spec.ID, err))
	}

	if spec.NetworkIP != "" {
		if err := assignIP(ctx, task.Pid(), spec.NetworkIP); err != nil {
			return container.ID(), herderr.Wrap(herderr.ExternalFailure, "runtime.CreateContainer", fmt.Errorf("assign ip to %s: %w", spec.ID, err))
		}
	}

	return container.ID(), nil
}

// assignIP sets a fixed IPv4 address on eth0 inside the network namespace of
// pid, mirroring how getContainerIP reads it back out.
func assignIP(ctx context.Context, pid uint32, ip string) error {
	cidr := ip + "/16"
	cmd := exec.CommandContext(ctx, "nsenter", "-t", strconv.FormatUint(uint64(pid), 10), "-n", "ip", "addr", "add", cidr, "dev", "eth0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w (output: %s)", err, string(out))
	}
	return nil
}

// Start starts an existing, stopped container.
func (g *Gateway) Start(ctx context.Context, containerID string) error {
	ctx = g.ctx(ctx)
	container, err := g.client.LoadContainer(ctx, containerID)
	if err != nil {
		return herderr.Wrap(herderr.NotFound, "runtime.Start", err)
	}
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.Start", err)
	}
	if err := task.Start(ctx); err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.Start", err)
	}
	return nil
}

// Stop gracefully stops a running container (SIGTERM, then SIGKILL after
// timeout). A missing container or task is a no-op.
func (g *Gateway) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = g.ctx(ctx)
	container, err := g.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.Stop", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.Stop", err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		_ = task.Kill(ctx, syscall.SIGKILL)
	}
	if _, err := task.Delete(ctx); err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.Stop", err)
	}
	return nil
}

// Restart stops then starts a container, for config/image changes that
// require a fresh process.
func (g *Gateway) Restart(ctx context.Context, containerID string, timeout time.Duration) error {
	if err := g.Stop(ctx, containerID, timeout); err != nil {
		return err
	}
	return g.Start(ctx, containerID)
}

// Remove stops (if running) and deletes a container and its snapshot. A
// missing container is a no-op.
func (g *Gateway) Remove(ctx context.Context, containerID string) error {
	ctx = g.ctx(ctx)
	if err := g.Stop(ctx, containerID, 10*time.Second); err != nil {
		return err
	}
	container, err := g.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.Remove", err)
	}
	return nil
}

// Inspect returns the current observed state of containerID.
func (g *Gateway) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	ctx = g.ctx(ctx)
	container, err := g.client.LoadContainer(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, herderr.Wrap(herderr.NotFound, "runtime.Inspect", err)
	}

	info, err := container.Info(ctx)
	if err != nil {
		return ContainerInfo{}, herderr.Wrap(herderr.Transient, "runtime.Inspect", err)
	}

	running := false
	if task, err := container.Task(ctx, nil); err == nil {
		if status, err := task.Status(ctx); err == nil {
			running = status.Status == containerd.Running
		}
	}

	return ContainerInfo{
		ID:        container.ID(),
		Labels:    info.Labels,
		IsRunning: running,
		Image:     info.Image,
		ImageID:   info.Image,
	}, nil
}

// ListContainers returns every container labeled as managed by this system.
func (g *Gateway) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	ctx = g.ctx(ctx)
	containers, err := g.client.Containers(ctx, fmt.Sprintf("labels.%s==true", ManagedLabel))
	if err != nil {
		return nil, herderr.Wrap(herderr.Transient, "runtime.ListContainers", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info, err := g.Inspect(ctx, c.ID())
		if err != nil {
			continue
		}
		if ip, err := g.getContainerIP(ctx, c.ID()); err == nil {
			info.IP = ip
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Info reports this host's reachability for Sense's probe loop: a
// lightweight call that exercises the same client path ListContainers does.
func (g *Gateway) Info(ctx context.Context) error {
	_, err := g.client.Version(ctx)
	if err != nil {
		return herderr.Wrap(herderr.Transient, "runtime.Info", err)
	}
	return nil
}

func (g *Gateway) getContainerIP(ctx context.Context, containerID string) (string, error) {
	container, err := g.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", err
	}
	pid := task.Pid()
	if pid == 0 {
		return "", fmt.Errorf("container task has no PID")
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", strconv.FormatUint(uint64(pid), 10), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("get container ip: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(parts[1])
		if err != nil {
			return "", err
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("no IP address found for container")
}

// Exec runs argv inside containerID and returns its combined stdout and
// exit code, used for replication, memsize, and password reconfiguration
// scripts.
func (g *Gateway) Exec(ctx context.Context, containerID string, argv []string) (ExecResult, error) {
	ctx = g.ctx(ctx)
	container, err := g.client.LoadContainer(ctx, containerID)
	if err != nil {
		return ExecResult{}, herderr.Wrap(herderr.NotFound, "runtime.Exec", err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return ExecResult{}, herderr.Wrap(herderr.Transient, "runtime.Exec", fmt.Errorf("container %s has no running task: %w", containerID, err))
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return ExecResult{}, herderr.Wrap(herderr.Transient, "runtime.Exec", err)
	}
	procSpec := *spec.Process
	procSpec.Args = argv

	var stdout bytes.Buffer
	execID := "exec-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	process, err := task.Exec(ctx, execID, &procSpec, cio.NewCreator(cio.WithStreams(nil, &stdout, &stdout)))
	if err != nil {
		return ExecResult{}, herderr.Wrap(herderr.ExternalFailure, "runtime.Exec", fmt.Errorf("exec %v in %s: %w", argv, containerID, err))
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return ExecResult{}, herderr.Wrap(herderr.Transient, "runtime.Exec", err)
	}
	if err := process.Start(ctx); err != nil {
		return ExecResult{}, herderr.Wrap(herderr.ExternalFailure, "runtime.Exec", err)
	}

	status := <-statusC
	code, _, err := status.Result()
	if err != nil {
		return ExecResult{}, herderr.Wrap(herderr.Transient, "runtime.Exec", err)
	}
	return ExecResult{Stdout: stdout.String(), ExitCode: int(code)}, nil
}

// PutArchive extracts tarStream into path inside containerID's root
// filesystem, used for config/code upload.
func (g *Gateway) PutArchive(ctx context.Context, containerID, path string, tarStream io.Reader) error {
	ctx = g.ctx(ctx)
	mounts, err := g.snapshotMounts(ctx, containerID)
	if err != nil {
		return err
	}

	applyErr := mount.WithTempMount(ctx, mounts, func(root string) error {
		dest := filepathJoin(root, path)
		_, err := archive.Apply(ctx, dest, tarStream)
		return err
	})
	if applyErr != nil {
		return herderr.Wrap(herderr.ExternalFailure, "runtime.PutArchive", fmt.Errorf("apply archive to %s:%s: %w", containerID, path, applyErr))
	}
	return nil
}

// GetArchive tars up path inside containerID's root filesystem and returns
// it as a stream, used for backup capture.
func (g *Gateway) GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, ArchiveStat, error) {
	ctx = g.ctx(ctx)
	mounts, err := g.snapshotMounts(ctx, containerID)
	if err != nil {
		return nil, ArchiveStat{}, err
	}

	var buf bytes.Buffer
	tarErr := mount.WithTempMount(ctx, mounts, func(root string) error {
		src := filepathJoin(root, path)
		return archive.WriteDiff(ctx, &buf, "", src)
	})
	if tarErr != nil {
		return nil, ArchiveStat{}, herderr.Wrap(herderr.Transient, "runtime.GetArchive", fmt.Errorf("tar %s:%s: %w", containerID, path, tarErr))
	}
	return io.NopCloser(&buf), ArchiveStat{Size: int64(buf.Len())}, nil
}

// snapshotMounts resolves containerID's active snapshot mounts, the basis
// both PutArchive and GetArchive build a temporary root filesystem view on.
func (g *Gateway) snapshotMounts(ctx context.Context, containerID string) ([]mount.Mount, error) {
	container, err := g.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, herderr.Wrap(herderr.NotFound, "runtime.snapshotMounts", err)
	}
	info, err := container.Info(ctx)
	if err != nil {
		return nil, herderr.Wrap(herderr.Transient, "runtime.snapshotMounts", err)
	}

	snapshotter := g.client.SnapshotService(info.Snapshotter)
	mounts, err := snapshotter.Mounts(ctx, info.SnapshotKey)
	if err != nil {
		return nil, herderr.Wrap(herderr.Transient, "runtime.snapshotMounts", err)
	}
	return mounts, nil
}

func filepathJoin(root, path string) string {
	return root + "/" + strings.TrimPrefix(path, "/")
}
