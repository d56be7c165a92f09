package container

import (
	"os"
	"strings"
	"time"

	"github.com/benidevo/minicon/pkg/config"
	"github.com/benidevo/minicon/pkg/namespace"
	"github.com/benidevo/minicon/pkg/secure"
	"github.com/benidevo/minicon/pkg/tasks"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Manager is the public API over the container lifecycle. It owns the
// registry and one orchestrator per live container, and reconciles
// recorded state against the kernel when constructed.
//
// A single mutex serializes every operation: callers and the per
// container monitor goroutines all go through it, so registry writes
// are linearizable per id.
type Manager struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	mutex    deadlock.Mutex
	registry *Registry
	active   map[string]*namespace.Orchestrator
	monitors *tasks.TaskManager
}

// NewManager loads the registry and recovers containers recorded as
// running: those whose process is still alive get a monitor attached,
// the rest are marked exited.
func NewManager(cfg *config.AppConfig, log *logrus.Entry) *Manager {
	m := &Manager{
		Log:      log,
		Config:   cfg,
		registry: NewRegistry(log, cfg.RegistryFile),
		active:   map[string]*namespace.Orchestrator{},
		monitors: tasks.NewTaskManager(),
	}
	m.recover()
	return m
}

// Create validates, prepares a root filesystem and persists a new
// container in the created state, returning its id.
func (m *Manager) Create(name string, command []string, memoryLimit int64) (string, error) {
	if !secure.ValidContainerName(name) {
		return "", NewError(Validation, "invalid container name: %q", name)
	}
	if !secure.ValidCommand(command) {
		return "", NewError(Validation, "invalid or blocked command")
	}
	if memoryLimit <= 0 {
		memoryLimit = m.Config.MemoryLimit
	}

	id := newContainerID()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	rootFS, err := PrepareRootFS(m.Log.WithField("container", id), m.Config, id)
	if err != nil {
		return "", err
	}

	c := &Container{
		ID:          id,
		Name:        name,
		Command:     command,
		RootFS:      rootFS,
		Hostname:    name,
		MemoryLimit: memoryLimit,
		State:       StateCreated,
		CreatedAt:   time.Now(),
	}
	if err := m.registry.Save(c); err != nil {
		return "", err
	}

	m.Log.WithFields(logrus.Fields{"container": id, "name": name}).Info("container created")
	return id, nil
}

// Start launches the container process for a created container and
// attaches a monitor that records its eventual exit.
func (m *Manager) Start(id string) error {
	m.mutex.Lock()

	c, ok := m.registry.Get(id)
	if !ok {
		m.mutex.Unlock()
		return NewError(NotFound, "no container with id %s", id)
	}
	if c.State != StateCreated {
		m.mutex.Unlock()
		return NewError(WrongState, "container %s is %s, only created containers can be started", id, c.State)
	}

	orch := namespace.NewOrchestrator(m.Log.WithField("container", id))
	orch.Configure(
		c.RootFS,
		c.Hostname,
		c.Command,
		c.MemoryLimit,
		[]namespace.IDMap{{Inside: 0, Outside: os.Getuid(), Count: 1}},
		[]namespace.IDMap{{Inside: 0, Outside: os.Getgid(), Count: 1}},
	)
	orch.SetCgroupSettings(c.MemoryLimit)

	pid, err := orch.CreateContainerProcess()
	if err != nil {
		orch.CleanupResources()
		m.mutex.Unlock()
		return NewError(StartFailed, "starting container %s: %v", id, err)
	}

	now := time.Now()
	if _, err := m.registry.UpdateState(id, StateRunning, WithProcessID(pid), WithStartedAt(now)); err != nil {
		// The process is up; in-memory state stays authoritative until
		// the next save succeeds.
		m.Log.WithError(err).Error("could not persist running state")
	}
	m.active[id] = orch
	m.mutex.Unlock()

	m.monitors.Spawn(id, func() { m.monitor(id, orch) })

	m.Log.WithFields(logrus.Fields{"container": id, "pid": pid}).Info("container started")
	return nil
}

// monitor blocks until the container process is gone, then records the
// terminal state and drops the orchestrator. Any failure in the wait
// path still forces the container to exited with code -1.
func (m *Manager) monitor(id string, orch *namespace.Orchestrator) {
	code := -1

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.Log.WithField("container", id).Errorf("monitor panicked: %v", r)
			}
		}()
		if exitCode, err := orch.WaitForExit(); err == nil {
			code = exitCode
		} else {
			m.Log.WithError(err).WithField("container", id).Error("wait failed")
		}
	}()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, err := m.registry.UpdateState(id, StateExited, WithExitCode(code), WithExitedAt(time.Now())); err != nil {
		m.Log.WithError(err).WithField("container", id).Error("could not persist exited state")
	}
	delete(m.active, id)
}

// Stop terminates a running container. The monitor races us to the
// exited state; either ordering is fine because the transition is
// idempotent at that target.
func (m *Manager) Stop(id string) error {
	m.mutex.Lock()
	c, ok := m.registry.Get(id)
	if !ok {
		m.mutex.Unlock()
		return NewError(NotFound, "no container with id %s", id)
	}
	if c.State != StateRunning {
		m.mutex.Unlock()
		return NewError(WrongState, "container %s is %s, only running containers can be stopped", id, c.State)
	}
	orch, ok := m.active[id]
	if !ok {
		m.mutex.Unlock()
		return NewError(Internal, "no orchestrator registered for running container %s", id)
	}
	// Terminate can take the full grace period; don't hold every other
	// operation up while it runs.
	m.mutex.Unlock()

	if err := orch.Terminate(); err != nil {
		return NewError(Internal, "terminating container %s: %v", id, err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c, ok := m.registry.Get(id); ok && c.State != StateExited {
		if _, err := m.registry.UpdateState(id, StateExited, WithExitedAt(time.Now())); err != nil {
			m.Log.WithError(err).WithField("container", id).Error("could not persist exited state")
		}
	}

	m.Log.WithField("container", id).Info("container stopped")
	return nil
}

// Remove deletes a container that is not running, along with its root
// filesystem.
func (m *Manager) Remove(id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	c, ok := m.registry.Get(id)
	if !ok {
		return NewError(NotFound, "no container with id %s", id)
	}
	if c.State == StateRunning {
		return NewError(WrongState, "container %s is running, stop it first", id)
	}

	if _, err := m.registry.Remove(id); err != nil {
		return err
	}

	if orch, ok := m.active[id]; ok {
		orch.CleanupResources()
		delete(m.active, id)
	}

	if err := RemoveRootFS(m.Config, c.RootFS); err != nil {
		m.Log.WithError(err).WithField("container", id).Warn("could not remove rootfs")
	}

	m.Log.WithField("container", id).Info("container removed")
	return nil
}

// List returns the containers, optionally filtered by state.
func (m *Manager) List(filter *State) []*Container {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.registry.GetAll(filter)
}

// recover reconciles containers recorded as running against the
// kernel. Alive processes get a shell orchestrator that can only wait
// and clean up; dead ones are marked exited.
func (m *Manager) recover() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	running := lo.Filter(m.registry.GetAll(nil), func(c *Container, _ int) bool {
		return c.State == StateRunning
	})

	for _, c := range running {
		if processAlive(c.ProcessID) {
			orch := namespace.NewShellOrchestrator(m.Log.WithField("container", c.ID), c.ProcessID)
			m.active[c.ID] = orch
			m.monitors.Spawn(c.ID, func() { m.monitor(c.ID, orch) })
			m.Log.WithFields(logrus.Fields{"container": c.ID, "pid": c.ProcessID}).Info("recovered running container")
			continue
		}

		if _, err := m.registry.UpdateState(c.ID, StateExited, WithProcessID(0), WithExitCode(-1), WithExitedAt(time.Now())); err != nil {
			m.Log.WithError(err).WithField("container", c.ID).Error("could not persist exited state during recovery")
		}
		m.Log.WithFields(logrus.Fields{"container": c.ID, "pid": c.ProcessID}).Info("container process gone, marked exited")
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// newContainerID returns the first eight hex chars of a v4 UUID.
func newContainerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
