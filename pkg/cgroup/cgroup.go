// Package cgroup manages one cgroup v2 leaf per container under the
// unified hierarchy. Every operation here is best-effort: the runtime
// has to keep working on hosts without cgroup v2 (CI among them), so
// callers log failures and carry on without enforcement.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Root is the mount point of the unified hierarchy. It is a variable
// so tests can point it at a temp directory.
var Root = "/sys/fs/cgroup"

// Controller owns a single leaf cgroup with a memory limit.
type Controller struct {
	Log *logrus.Entry

	slug    string
	limit   int64
	created bool
}

// NewController returns a controller for a leaf named
// minicon_<host_pid>_<instance>. The host pid keeps concurrent
// runtimes apart; the instance id keeps orchestrators within one
// process apart.
func NewController(log *logrus.Entry, instanceID string) *Controller {
	return &Controller{
		Log:  log,
		slug: fmt.Sprintf("minicon_%d_%s", os.Getpid(), instanceID),
	}
}

// Path returns the leaf directory.
func (c *Controller) Path() string {
	return filepath.Join(Root, c.slug)
}

// PreCreate makes the leaf and writes the memory limit. It runs before
// the container process exists so the limit binds from the child's
// first allocation.
func (c *Controller) PreCreate(memoryLimit int64) error {
	c.limit = memoryLimit

	if err := os.MkdirAll(c.Path(), 0o755); err != nil {
		return fmt.Errorf("creating cgroup %s: %w", c.Path(), err)
	}
	c.created = true

	c.enableMemoryController()

	if err := os.WriteFile(filepath.Join(c.Path(), "memory.max"), []byte(strconv.FormatInt(memoryLimit, 10)), 0o644); err != nil {
		return fmt.Errorf("writing memory.max: %w", err)
	}

	c.Log.WithFields(logrus.Fields{"cgroup": c.slug, "memory_limit": memoryLimit}).Info("cgroup pre-created")
	return nil
}

// enableMemoryController makes sure the parent delegates the memory
// controller to our leaf. Failure is tolerated; the leaf still exists,
// only enforcement is lost.
func (c *Controller) enableMemoryController() {
	subtreeControl := filepath.Join(Root, "cgroup.subtree_control")

	current, err := os.ReadFile(subtreeControl)
	if err != nil {
		c.Log.WithError(err).Warn("could not read cgroup.subtree_control")
		return
	}
	if strings.Contains(string(current), "memory") {
		return
	}
	if err := os.WriteFile(subtreeControl, []byte("+memory"), 0o644); err != nil {
		c.Log.WithError(err).Warn("could not enable memory controller")
	}
}

// Attach places pid into the leaf.
func (c *Controller) Attach(pid int) error {
	if !c.created {
		return fmt.Errorf("cgroup %s was not created", c.slug)
	}
	if err := os.WriteFile(filepath.Join(c.Path(), "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("attaching pid %d to cgroup %s: %w", pid, c.slug, err)
	}
	return nil
}

// Cleanup migrates any straggler pids back to the root cgroup and
// removes the leaf. A leaf that was never created is a no-op.
func (c *Controller) Cleanup() error {
	if !c.created {
		return nil
	}
	c.created = false

	procs, err := os.ReadFile(filepath.Join(c.Path(), "cgroup.procs"))
	if err == nil {
		for _, pid := range strings.Fields(string(procs)) {
			if err := os.WriteFile(filepath.Join(Root, "cgroup.procs"), []byte(pid), 0o644); err != nil {
				c.Log.WithError(err).WithField("pid", pid).Warn("could not migrate pid out of cgroup")
			}
		}
	}

	if err := os.Remove(c.Path()); err != nil && !os.IsNotExist(err) {
		// On cgroupfs the control files are virtual and rmdir succeeds
		// directly; on a plain filesystem they keep the directory
		// non-empty, so clear them and retry.
		entries, _ := os.ReadDir(c.Path())
		for _, entry := range entries {
			if !entry.IsDir() {
				os.Remove(filepath.Join(c.Path(), entry.Name()))
			}
		}
		if err := os.Remove(c.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing cgroup %s: %w", c.slug, err)
		}
	}
	c.Log.WithField("cgroup", c.slug).Info("cgroup removed")
	return nil
}
