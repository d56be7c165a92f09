package namespace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// initPipeFD is where the orchestrator places the read end of the sync
// pipe: the first fd after stdio.
const initPipeFD = 3

// defaultPath is the PATH used to resolve the container command when
// the environment does not carry one, matching what login(1) would set.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Init is the container process entry point. It runs inside the fresh
// namespaces as PID 1, blocks on the sync pipe until the parent has
// installed the uid/gid maps and the cgroup membership, finalizes the
// mount and UTS namespaces, optionally drops privileges, and execs the
// container command. It only returns on error.
func Init() error {
	pipe := os.NewFile(initPipeFD, "sync-pipe")
	if pipe == nil {
		return fmt.Errorf("sync pipe not present on fd %d", initPipeFD)
	}
	defer pipe.Close()

	cfg, err := awaitRelease(pipe)
	if err != nil {
		return err
	}

	mount := &MountHandler{Log: initLogger(), RootFS: cfg.RootFS}
	if err := mount.ApplyInChild(); err != nil {
		return err
	}

	uts := &UtsHandler{Log: initLogger(), Hostname: cfg.Hostname}
	if err := uts.ApplyInChild(); err != nil {
		return err
	}

	if cfg.DropPrivileges {
		if err := DropPrivileges(cfg.UID, cfg.GID); err != nil {
			return err
		}
	}

	if os.Getenv("PATH") == "" {
		os.Setenv("PATH", defaultPath)
	}

	argv0, err := exec.LookPath(cfg.Command[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", cfg.Command[0], err)
	}

	// exec replaces this process; anything after a successful call is
	// unreachable.
	if err := unix.Exec(argv0, cfg.Command, os.Environ()); err != nil {
		return &KernelError{Op: "execve " + argv0, Err: err}
	}
	return nil
}

// initLogger is the minimal logger available between clone and exec;
// the parent's log file is not reachable from here.
func initLogger() *logrus.Entry {
	log := logrus.New()
	log.Out = os.Stderr
	log.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(log)
}

// awaitRelease reads the init config and then blocks until the parent
// sends the go token. EOF means the parent died before releasing us;
// the container must not run in that case.
func awaitRelease(pipe *os.File) (*InitConfig, error) {
	dec := json.NewDecoder(pipe)

	var cfg InitConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("reading init config: %w", err)
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("init config carries no command")
	}

	// The decoder may have buffered past the JSON document; the token
	// sits in its remainder.
	token := make([]byte, 2)
	if _, err := io.ReadFull(io.MultiReader(dec.Buffered(), pipe), token); err != nil {
		return nil, fmt.Errorf("parent exited before releasing container: %w", err)
	}
	if string(token) != "go" {
		return nil, fmt.Errorf("unexpected release token %q", token)
	}
	return &cfg, nil
}
