// Package runtime is the Runtime Gateway: a thin façade over a single
// containerd host that the Group Controller, Healer, and Sense's probe loop
// call through. It never persists anything; every call reaches a live
// containerd daemon addressed by the caller's choice of socket/host.
//
// # Operations
//
// Image and network lifecycle (EnsureImage, EnsureNetwork) make the
// declarative "present or create" calls the Group Controller needs before
// placing a container. Container lifecycle (CreateContainer, Start, Stop,
// Restart, Remove, Inspect) mirrors containerd's own create/task-start/
// task-kill/delete sequence almost directly, generalized from a single
// fixed workload shape to the ContainerSpec the Group Controller builds
// per instance.
//
// Exec runs the in-container scripts (replication, memsize, password) the
// Group Controller and Healer depend on; PutArchive/GetArchive move tar
// streams in and out of a container's root filesystem for config upload and
// backup capture, using containerd's own archive and mount packages against
// a temporary mount of the container's snapshot rather than a running
// process, so they work even when the target container is stopped.
//
// ListContainers and Info back Sense's emergent-state view and its
// decoupled probe loop respectively: Info is a minimal round trip (a
// version call) used purely to classify host reachability within the probe
// loop's 10s deadline, without paying the cost of a full container listing
// on every tick.
//
// # Namespace
//
// Every call is scoped to the "herd" containerd namespace so this system's
// containers never collide with anything else sharing the same daemon.
package runtime
