package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/benidevo/minicon/pkg/cgroup"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// InitCommand is the hidden subcommand the orchestrator re-executes
// itself with. The re-exec carries the clone flags, so the resulting
// process is already inside the new namespaces; it finalizes them and
// execs the container command.
const InitCommand = "init"

// terminateGracePeriod is how long Terminate waits after SIGTERM
// before escalating to SIGKILL.
const terminateGracePeriod = 5 * time.Second

var errStillRunning = errors.New("container process still running")

// InitConfig is everything the container process needs to finalize its
// namespaces before exec. It travels over the sync pipe.
type InitConfig struct {
	RootFS         string   `json:"root_fs"`
	Hostname       string   `json:"hostname"`
	Command        []string `json:"command"`
	UID            int      `json:"uid"`
	GID            int      `json:"gid"`
	DropPrivileges bool     `json:"drop_privileges"`
}

// Orchestrator drives one container process through its lifecycle. It
// owns the four namespace handlers, the cgroup leaf and the sync pipe,
// and encapsulates every ordering concern: clone before map writes,
// map writes and cgroup attachment before the child is released, the
// child blocked until the parent says go.
//
// An orchestrator is used by at most two goroutines, the caller and
// the monitor; they coordinate through the done channel.
type Orchestrator struct {
	Log *logrus.Entry

	mount *MountHandler
	uts   *UtsHandler
	pid   *PidHandler
	user  *UserHandler

	command     []string
	memoryLimit int64

	cgroup *cgroup.Controller
	cmd    *exec.Cmd

	containerPID int
	recovered    bool

	done      chan struct{}
	closeDone sync.Once
	cleanupMu sync.Mutex
	exitCode  int
}

// NewOrchestrator returns an orchestrator with fresh handlers and its
// own cgroup leaf.
func NewOrchestrator(log *logrus.Entry) *Orchestrator {
	instance := uuid.NewString()[:8]
	return &Orchestrator{
		Log:    log.WithField("orchestrator", instance),
		mount:  &MountHandler{Log: log},
		uts:    &UtsHandler{Log: log},
		pid:    &PidHandler{},
		user:   NewUserHandler(log),
		cgroup: cgroup.NewController(log, instance),
		done:   make(chan struct{}),
	}
}

// NewShellOrchestrator returns an orchestrator for a container process
// that survived a runtime restart. It cannot reap the process (it is
// not our child), so it only watches for its disappearance and cleans
// up. The exit code of a recovered container is unknowable and is
// reported as -1.
func NewShellOrchestrator(log *logrus.Entry, pid int) *Orchestrator {
	o := NewOrchestrator(log)
	o.containerPID = pid
	o.recovered = true
	return o
}

// Configure sets up the handlers for one container.
func (o *Orchestrator) Configure(rootFS, hostname string, command []string, memoryLimit int64, uidMap, gidMap []IDMap) {
	o.command = command
	o.memoryLimit = memoryLimit
	o.mount.RootFS = rootFS
	o.uts.Hostname = hostname

	for _, m := range uidMap {
		o.user.AddUIDMapping(m.Inside, m.Outside, m.Count)
	}
	for _, m := range gidMap {
		o.user.AddGIDMapping(m.Inside, m.Outside, m.Count)
	}
	if len(uidMap) > 0 && len(gidMap) > 0 {
		o.user.SetUser(uidMap[0].Inside, gidMap[0].Inside)
	}

	o.Log.WithFields(logrus.Fields{
		"root_fs":      rootFS,
		"hostname":     hostname,
		"command":      command,
		"memory_limit": memoryLimit,
	}).Info("container configured")
}

// SetCgroupSettings records the memory limit the cgroup leaf will be
// created with.
func (o *Orchestrator) SetCgroupSettings(memoryLimit int64) {
	o.memoryLimit = memoryLimit
}

// PID returns the host-visible pid of the container process, 0 when
// none is running.
func (o *Orchestrator) PID() int {
	return o.containerPID
}

// CreateContainerProcess starts the container init process and returns
// its host-visible pid. The sequence is fixed:
//
//  1. pick namespaces (user namespace only when not running as root)
//  2. pre-create the cgroup so the memory limit binds from the
//     child's first allocation
//  3. open the sync pipe
//  4. clone the child; it blocks reading the pipe
//  5. write uid/gid maps, attach the pid to the cgroup
//  6. send the config and the go token, close the pipe
//
// The child never reaches exec before step 6, and dies on pipe EOF if
// the parent crashes before it.
func (o *Orchestrator) CreateContainerProcess() (int, error) {
	if len(o.command) == 0 {
		return 0, fmt.Errorf("command not set for container, call Configure first")
	}

	// Root and user namespaces interact badly: a mapped root inside a
	// user namespace is not the root the rootfs preparation ran as.
	// Running as real root we skip the user namespace entirely.
	rootMode := os.Geteuid() == 0

	flags := o.mount.CloneFlag() | o.uts.CloneFlag() | o.pid.CloneFlag()
	if !rootMode {
		flags |= o.user.CloneFlag()
	}

	if err := o.cgroup.PreCreate(o.memoryLimit); err != nil {
		o.Log.WithError(err).Warn("cgroup unavailable, starting without memory enforcement")
	}

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		o.cleanupCgroup()
		return 0, fmt.Errorf("creating sync pipe: %w", err)
	}

	cmd := exec.Command("/proc/self/exe", InitCommand)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{readEnd}
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: flags}

	if err := cmd.Start(); err != nil {
		readEnd.Close()
		writeEnd.Close()
		o.cleanupCgroup()
		return 0, &KernelError{Op: "clone", Err: err}
	}
	readEnd.Close()

	o.cmd = cmd
	o.containerPID = cmd.Process.Pid

	if err := o.releaseChild(writeEnd, rootMode); err != nil {
		// releaseChild closed the pipe, which makes the child exit;
		// reap it so nothing leaks before reporting the failure.
		_ = unix.Kill(o.containerPID, unix.SIGKILL)
		_ = cmd.Wait()
		o.CleanupResources()
		return 0, err
	}

	o.Log.WithField("pid", o.containerPID).Info("container process created")
	return o.containerPID, nil
}

// releaseChild performs the parent side of the handshake: maps first,
// then cgroup attachment, then the go token.
func (o *Orchestrator) releaseChild(writeEnd *os.File, rootMode bool) error {
	defer writeEnd.Close()

	if !rootMode {
		if err := o.user.ApplyFromParent(o.containerPID); err != nil {
			return err
		}
	}

	if err := o.cgroup.Attach(o.containerPID); err != nil {
		o.Log.WithError(err).Warn("could not attach container to cgroup")
	}

	cfg := InitConfig{
		RootFS:         o.mount.RootFS,
		Hostname:       o.uts.Hostname,
		Command:        o.command,
		UID:            o.user.UID,
		GID:            o.user.GID,
		DropPrivileges: !rootMode && o.user.UID >= 0,
	}
	// The config is written without a trailing newline: the two bytes
	// after the closing brace are the release token.
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serializing init config: %w", err)
	}
	if _, err := writeEnd.Write(payload); err != nil {
		return fmt.Errorf("sending init config: %w", err)
	}
	if _, err := writeEnd.Write([]byte("go")); err != nil {
		return fmt.Errorf("signalling child: %w", err)
	}
	return nil
}

// WaitForExit blocks until the container process is gone and returns
// its exit code: the wait status for a normal exit, 128+signal when
// signalled, -1 when unknowable. Resources are cleaned up before
// returning.
func (o *Orchestrator) WaitForExit() (int, error) {
	pid := o.containerPID
	if pid == 0 {
		return -1, fmt.Errorf("container process not created yet")
	}

	var code int
	if o.recovered {
		code = o.waitRecovered(pid)
	} else {
		code = o.waitChild()
	}

	o.exitCode = code
	o.closeDone.Do(func() { close(o.done) })
	o.Log.WithFields(logrus.Fields{"pid": pid, "exit_code": code}).Info("container process exited")

	o.CleanupResources()
	return code, nil
}

func (o *Orchestrator) waitChild() int {
	err := o.cmd.Wait()
	state := o.cmd.ProcessState
	if state == nil {
		o.Log.WithError(err).Warn("wait returned no process state")
		return -1
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return -1
	}
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return -1
	}
}

// waitRecovered polls a process we did not spawn until it disappears.
func (o *Orchestrator) waitRecovered(pid int) int {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0 // poll until the process is gone

	_ = backoff.Retry(func() error {
		if err := unix.Kill(pid, 0); err != nil {
			return nil
		}
		return errStillRunning
	}, b)

	return -1
}

// Terminate stops the container process: SIGTERM, a grace window, then
// SIGKILL. A process that is already gone (ESRCH/ECHILD) is success.
// Reaping stays with WaitForExit, which the monitor is blocked in; we
// wait for it to observe the death. Cleanup always runs.
func (o *Orchestrator) Terminate() error {
	pid := o.containerPID
	if pid == 0 {
		return nil
	}

	o.Log.WithField("pid", pid).Info("terminating container process")

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if processGone(err) {
			o.Log.WithField("pid", pid).Info("container process already terminated")
			o.CleanupResources()
			return nil
		}
		o.CleanupResources()
		return &KernelError{Op: fmt.Sprintf("kill -TERM %d", pid), Err: err}
	}

	if !o.waitExit(pid, terminateGracePeriod) {
		o.Log.WithField("pid", pid).Warnf("container process did not terminate after %v, sending SIGKILL", terminateGracePeriod)
		_ = unix.Kill(pid, unix.SIGKILL)
		o.waitExit(pid, 2*time.Second)
	}

	o.CleanupResources()
	return nil
}

// waitExit polls until the monitor reaps the process or the kernel no
// longer knows the pid, for at most d.
func (o *Orchestrator) waitExit(pid int, d time.Duration) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = d

	err := backoff.Retry(func() error {
		select {
		case <-o.done:
			return nil
		default:
		}
		if err := unix.Kill(pid, 0); processGone(err) {
			return nil
		}
		return errStillRunning
	}, b)
	return err == nil
}

// CleanupResources removes the cgroup leaf and forgets the pid. Safe
// to call more than once and from both the caller and the monitor.
func (o *Orchestrator) CleanupResources() {
	o.cleanupMu.Lock()
	defer o.cleanupMu.Unlock()

	o.cleanupCgroupLocked()
	o.containerPID = 0
}

func (o *Orchestrator) cleanupCgroup() {
	o.cleanupMu.Lock()
	defer o.cleanupMu.Unlock()
	o.cleanupCgroupLocked()
}

func (o *Orchestrator) cleanupCgroupLocked() {
	if err := o.cgroup.Cleanup(); err != nil {
		o.Log.WithError(err).Warn("could not remove cgroup")
	}
}

func processGone(err error) bool {
	return errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ECHILD)
}
