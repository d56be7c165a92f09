package container

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/benidevo/minicon/pkg/config"
	"github.com/benidevo/minicon/pkg/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain doubles as the container init entry point: the orchestrator
// re-executes /proc/self/exe, which under `go test` is this binary.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == namespace.InitCommand {
		if err := namespace.Init(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	base := t.TempDir()

	// A base image directory keeps rootfs preparation to a plain copy.
	require.NoError(t, os.MkdirAll(filepath.Join(base, "base", "etc"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "base", "bin"), 0o755))

	return &config.AppConfig{
		Name:         "minicon",
		Version:      "test",
		ConfigDir:    base,
		BaseDir:      base,
		BaseImage:    filepath.Join(base, "base"),
		RootFSDir:    filepath.Join(base, "rootfs"),
		RegistryFile: filepath.Join(base, "containers.json"),
		MemoryLimit:  config.DefaultMemoryLimit,
	}
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(testConfig(t), testLogger())
}

func TestManagerCreateAssignsUniqueIDs(t *testing.T) {
	m := testManager(t)

	idPattern := regexp.MustCompile(`^[0-9a-f]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		id, err := m.Create(fmt.Sprintf("c%d", i), []string{"echo", "hello"}, 0)
		require.NoError(t, err)
		assert.Regexp(t, idPattern, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestManagerCreateInvalidName(t *testing.T) {
	m := testManager(t)

	_, err := m.Create("c/1", []string{"echo", "hello"}, 0)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, Validation))
	assert.Empty(t, m.List(nil), "registry must be unchanged after a rejected create")
}

func TestManagerCreateDangerousCommand(t *testing.T) {
	m := testManager(t)

	_, err := m.Create("c2", []string{"rm", "-rf", "/"}, 0)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, Validation))
	assert.Empty(t, m.List(nil))
}

func TestManagerCreatePersistsCreatedContainer(t *testing.T) {
	m := testManager(t)

	id, err := m.Create("c1", []string{"echo", "hello"}, 0)
	require.NoError(t, err)

	c, ok := m.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateCreated, c.State)
	assert.Equal(t, "c1", c.Name)
	assert.Equal(t, "c1", c.Hostname)
	assert.Equal(t, m.Config.MemoryLimit, c.MemoryLimit)
	assert.False(t, c.CreatedAt.IsZero())

	hosts, err := os.ReadFile(filepath.Join(c.RootFS, "etc", "hosts"))
	require.NoError(t, err)
	assert.Contains(t, string(hosts), "127.0.0.1 localhost")
	assert.Contains(t, string(hosts), "127.0.0.1 "+id)
}

func TestManagerStartNotFound(t *testing.T) {
	m := testManager(t)

	err := m.Start("deadbeef")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, NotFound))
}

func TestManagerStartWrongState(t *testing.T) {
	m := testManager(t)

	c := testContainer("aaaa0001", StateExited, time.Now())
	require.NoError(t, m.registry.Save(c))

	err := m.Start("aaaa0001")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, WrongState))
}

func TestManagerStopRequiresRunning(t *testing.T) {
	m := testManager(t)

	id, err := m.Create("c1", []string{"echo", "hello"}, 0)
	require.NoError(t, err)

	err = m.Stop(id)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, WrongState))

	err = m.Stop("deadbeef")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, NotFound))
}

func TestManagerRemove(t *testing.T) {
	m := testManager(t)

	id, err := m.Create("c3", []string{"sleep", "60"}, 0)
	require.NoError(t, err)

	rootFS := m.List(nil)[0].RootFS

	require.NoError(t, m.Remove(id))

	_, ok := m.registry.Get(id)
	assert.False(t, ok)
	_, err = os.Stat(rootFS)
	assert.True(t, os.IsNotExist(err))
}

func TestManagerRemoveRunningDenied(t *testing.T) {
	m := testManager(t)

	c := testContainer("aaaa0001", StateRunning, time.Now())
	c.ProcessID = os.Getpid()
	require.NoError(t, m.registry.Save(c))

	err := m.Remove("aaaa0001")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, WrongState))

	_, err = m.registry.UpdateState("aaaa0001", StateExited, WithExitCode(-1), WithExitedAt(time.Now()))
	require.NoError(t, err)
	require.NoError(t, m.Remove("aaaa0001"))

	_, ok := m.registry.Get("aaaa0001")
	assert.False(t, ok)
}

func TestManagerRemoveNotFound(t *testing.T) {
	m := testManager(t)

	err := m.Remove("deadbeef")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, NotFound))
}

func TestManagerListFiltersByState(t *testing.T) {
	m := testManager(t)

	base := time.Now()
	require.NoError(t, m.registry.Save(testContainer("aaaa0001", StateCreated, base)))
	running := testContainer("bbbb0002", StateRunning, base.Add(time.Second))
	running.ProcessID = os.Getpid()
	require.NoError(t, m.registry.Save(running))
	require.NoError(t, m.registry.Save(testContainer("cccc0003", StateExited, base.Add(2*time.Second))))

	filter := StateRunning
	filtered := m.List(&filter)
	require.Len(t, filtered, 1)
	assert.Equal(t, "bbbb0002", filtered[0].ID)

	assert.Len(t, m.List(nil), 3)
}

// TestManagerRecovery seeds the registry with two running containers,
// one whose recorded pid is alive and one whose pid is gone, and
// checks the manager reconciles both at construction.
func TestManagerRecovery(t *testing.T) {
	cfg := testConfig(t)
	registry := NewRegistry(testLogger(), cfg.RegistryFile)

	alive := testContainer("aaaa0001", StateRunning, time.Now())
	alive.ProcessID = os.Getpid()
	require.NoError(t, registry.Save(alive))

	dead := testContainer("bbbb0002", StateRunning, time.Now())
	dead.ProcessID = 1 << 22 // beyond any default pid_max
	require.NoError(t, registry.Save(dead))

	m := NewManager(cfg, testLogger())

	c, ok := m.registry.Get("aaaa0001")
	require.True(t, ok)
	assert.Equal(t, StateRunning, c.State)
	m.mutex.Lock()
	_, hasOrchestrator := m.active["aaaa0001"]
	m.mutex.Unlock()
	assert.True(t, hasOrchestrator, "alive container must have a monitor attached")

	c, ok = m.registry.Get("bbbb0002")
	require.True(t, ok)
	assert.Equal(t, StateExited, c.State)
	require.NotNil(t, c.ExitCode)
	assert.Equal(t, -1, *c.ExitCode)
}

// TestManagerRecoveredContainerExit drives the full monitor path for a
// recovered container: once the process disappears the container is
// exited and no orchestrator is left behind.
func TestManagerRecoveredContainerExit(t *testing.T) {
	cmd := exec.Command("/proc/self/exe", "-test.run", "TestHelperNoop")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	cfg := testConfig(t)
	registry := NewRegistry(testLogger(), cfg.RegistryFile)
	c := testContainer("aaaa0001", StateRunning, time.Now())
	c.ProcessID = pid
	require.NoError(t, registry.Save(c))

	m := NewManager(cfg, testLogger())

	// Reap the child so the kernel forgets the pid and the monitor can
	// observe its death.
	require.NoError(t, cmd.Wait())

	m.monitors.Wait("aaaa0001")

	got, ok := m.registry.Get("aaaa0001")
	require.True(t, ok)
	assert.Equal(t, StateExited, got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, -1, *got.ExitCode)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	assert.NotContains(t, m.active, "aaaa0001", "orchestrator must be dropped after the monitor completes")
}

// TestHelperNoop exists to give re-exec'd helper processes something
// harmless to run.
func TestHelperNoop(t *testing.T) {}

// TestManagerLifecycleEndToEnd starts a real container. It needs root
// for the chroot and is skipped otherwise.
func TestManagerLifecycleEndToEnd(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("end-to-end lifecycle requires root")
	}

	m := testManager(t)

	id, err := m.Create("c1", []string{"/proc/self/exe", "-test.run", "TestHelperNoop"}, 0)
	require.NoError(t, err)

	// The helper binary needs to exist inside the chroot.
	c, _ := m.registry.Get(id)
	self, err := os.Executable()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(c.RootFS, "proc", "self"), 0o755))
	data, err := os.ReadFile(self)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(c.RootFS, "proc", "self", "exe"), data, 0o755))

	require.NoError(t, m.Start(id))
	m.monitors.Wait(id)

	// The monitor may beat any intermediate running-state check, so
	// only the terminal state is asserted.
	got, _ := m.registry.Get(id)
	assert.Equal(t, StateExited, got.State)
	assert.NotZero(t, got.ProcessID)
	assert.NotNil(t, got.StartedAt)
	require.NotNil(t, got.ExitCode)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	assert.Empty(t, m.active)
}
