package namespace

import (
	"encoding/json"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateContainerProcessRequiresCommand(t *testing.T) {
	o := NewOrchestrator(testLogger())

	_, err := o.CreateContainerProcess()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command not set")
}

func TestConfigureWiresHandlers(t *testing.T) {
	o := NewOrchestrator(testLogger())

	o.Configure(
		"/var/lib/minicon/rootfs/deadbeef",
		"c1",
		[]string{"echo", "hello"},
		64*1024*1024,
		[]IDMap{{Inside: 0, Outside: 1000, Count: 1}},
		[]IDMap{{Inside: 0, Outside: 1000, Count: 1}},
	)

	assert.Equal(t, "/var/lib/minicon/rootfs/deadbeef", o.mount.RootFS)
	assert.Equal(t, "c1", o.uts.Hostname)
	assert.Equal(t, []string{"echo", "hello"}, o.command)
	require.Len(t, o.user.UIDMappings, 1)
	require.Len(t, o.user.GIDMappings, 1)
	assert.Equal(t, 0, o.user.UID)
	assert.Equal(t, 0, o.user.GID)
}

func TestSetCgroupSettingsOverridesLimit(t *testing.T) {
	o := NewOrchestrator(testLogger())

	o.Configure("/rootfs", "c1", []string{"true"}, 1024, nil, nil)
	o.SetCgroupSettings(2048)
	assert.EqualValues(t, 2048, o.memoryLimit)
}

func TestWaitForExitRequiresProcess(t *testing.T) {
	o := NewOrchestrator(testLogger())

	_, err := o.WaitForExit()
	assert.Error(t, err)
}

func TestTerminateWithoutProcessIsNoop(t *testing.T) {
	o := NewOrchestrator(testLogger())
	assert.NoError(t, o.Terminate())
}

// TestTerminateGoneProcess covers the stop-vs-natural-exit race: the
// pid is already gone when terminate fires, which must count as
// success.
func TestTerminateGoneProcess(t *testing.T) {
	o := NewShellOrchestrator(testLogger(), 1<<22)
	assert.NoError(t, o.Terminate())
	assert.Equal(t, 0, o.PID())
}

func TestShellOrchestratorWaitsForDeath(t *testing.T) {
	cmd := exec.Command("/proc/self/exe", "-test.run", "TestOrchestratorHelperNoop")
	require.NoError(t, cmd.Start())

	o := NewShellOrchestrator(testLogger(), cmd.Process.Pid)

	done := make(chan int, 1)
	go func() {
		code, err := o.WaitForExit()
		if err != nil {
			code = -2
		}
		done <- code
	}()

	require.NoError(t, cmd.Wait())

	select {
	case code := <-done:
		// A recovered container's exit code is unknowable.
		assert.Equal(t, -1, code)
	case <-time.After(30 * time.Second):
		t.Fatal("WaitForExit did not observe process death")
	}
	assert.Equal(t, 0, o.PID())
}

// TestOrchestratorHelperNoop gives re-exec'd helper processes a
// harmless test to run.
func TestOrchestratorHelperNoop(t *testing.T) {}

func TestAwaitRelease(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	cfg := InitConfig{
		RootFS:   "/rootfs",
		Hostname: "c1",
		Command:  []string{"echo", "hello"},
		UID:      0,
		GID:      0,
	}

	go func() {
		payload, _ := json.Marshal(cfg)
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("go"))
		w.Close()
	}()

	got, err := awaitRelease(r)
	require.NoError(t, err)
	assert.Equal(t, cfg, *got)
}

// TestAwaitReleaseParentDeath checks the child dies cleanly when the
// parent closes the pipe before sending the go token.
func TestAwaitReleaseParentDeath(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	go func() {
		payload, _ := json.Marshal(InitConfig{Command: []string{"echo"}})
		_, _ = w.Write(payload)
		w.Close() // parent crashed before releasing
	}()

	_, err = awaitRelease(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parent exited")
}

func TestAwaitReleaseRejectsEmptyCommand(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	go func() {
		payload, _ := json.Marshal(InitConfig{})
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("go"))
		w.Close()
	}()

	_, err = awaitRelease(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command")
}

func TestAwaitReleaseRejectsBadToken(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	go func() {
		payload, _ := json.Marshal(InitConfig{Command: []string{"echo"}})
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("no"))
		w.Close()
	}()

	_, err = awaitRelease(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected release token")
}
