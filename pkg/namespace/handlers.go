package namespace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/benidevo/minicon/pkg/secure"
	"github.com/sirupsen/logrus"
)

// IDMap maps a run of ids across a user namespace boundary.
type IDMap struct {
	Inside  int `json:"inside"`
	Outside int `json:"outside"`
	Count   int `json:"count"`
}

// Handler is the capability every namespace kind shares: it selects
// itself via a clone flag. Kinds that need work inside the container
// process additionally implement ChildApplier; kinds that need work in
// the parent once the child pid is known implement ParentApplier.
type Handler interface {
	Kind() string
	CloneFlag() uintptr
}

// ChildApplier finalizes a namespace from inside the container
// process, before exec.
type ChildApplier interface {
	ApplyInChild() error
}

// ParentApplier finalizes a namespace from the parent, after the child
// exists but before it is released past the sync pipe.
type ParentApplier interface {
	ApplyFromParent(pid int) error
}

// MountHandler isolates the mount table and swaps the root filesystem.
type MountHandler struct {
	Log    *logrus.Entry
	RootFS string
}

func (h *MountHandler) Kind() string       { return "mount" }
func (h *MountHandler) CloneFlag() uintptr { return CloneNewNS }

// ApplyInChild makes the root mount private, moves into the container
// root and mounts a fresh procfs. Failing to mount /proc is tolerated;
// the container just runs without one.
func (h *MountHandler) ApplyInChild() error {
	if h.RootFS == "" {
		return fmt.Errorf("root filesystem not set")
	}

	if err := MakeRootPrivate(); err != nil {
		return err
	}

	for _, dir := range []string{"proc", "sys", "dev", "tmp"} {
		if err := os.MkdirAll(filepath.Join(h.RootFS, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s in rootfs: %w", dir, err)
		}
	}

	if err := Chroot(h.RootFS); err != nil {
		return err
	}
	if err := Chdir("/"); err != nil {
		return err
	}

	if err := MountProc("/proc"); err != nil {
		h.Log.WithError(err).Warn("could not mount /proc, continuing without it")
	}
	return nil
}

// UtsHandler isolates the hostname.
type UtsHandler struct {
	Log      *logrus.Entry
	Hostname string
}

func (h *UtsHandler) Kind() string       { return "uts" }
func (h *UtsHandler) CloneFlag() uintptr { return CloneNewUTS }

func (h *UtsHandler) ApplyInChild() error {
	if !secure.ValidHostname(h.Hostname) {
		return fmt.Errorf("invalid hostname: %q", h.Hostname)
	}
	return Sethostname(h.Hostname)
}

// PidHandler isolates the process table. The clone flag is all there
// is to it: the cloned child is already PID 1 of the new namespace, so
// there is nothing to finalize on either side.
type PidHandler struct{}

func (h *PidHandler) Kind() string       { return "pid" }
func (h *PidHandler) CloneFlag() uintptr { return CloneNewPID }

// UserHandler isolates user and group ids. The mappings are written by
// the parent into the child's procfs entry; the privilege drop runs in
// the child before exec.
type UserHandler struct {
	Log         *logrus.Entry
	UIDMappings []IDMap
	GIDMappings []IDMap

	// uid/gid the child switches to before exec; -1 means no drop.
	UID int
	GID int
}

func NewUserHandler(log *logrus.Entry) *UserHandler {
	return &UserHandler{Log: log, UID: -1, GID: -1}
}

func (h *UserHandler) Kind() string       { return "user" }
func (h *UserHandler) CloneFlag() uintptr { return CloneNewUser }

// AddUIDMapping records a uid mapping to install once the child pid is
// known.
func (h *UserHandler) AddUIDMapping(inside, outside, count int) {
	h.UIDMappings = append(h.UIDMappings, IDMap{Inside: inside, Outside: outside, Count: count})
}

// AddGIDMapping records a gid mapping to install once the child pid is
// known.
func (h *UserHandler) AddGIDMapping(inside, outside, count int) {
	h.GIDMappings = append(h.GIDMappings, IDMap{Inside: inside, Outside: outside, Count: count})
}

// SetUser picks the uid/gid the child drops to before exec.
func (h *UserHandler) SetUser(uid, gid int) {
	h.UID = uid
	h.GID = gid
}

// ApplyFromParent writes setgroups, uid_map and gid_map for the child.
// The child must still be blocked on the sync pipe when this runs.
func (h *UserHandler) ApplyFromParent(pid int) error {
	if len(h.UIDMappings) == 0 || len(h.GIDMappings) == 0 {
		return fmt.Errorf("uid or gid mappings not set")
	}
	if err := DenySetgroups(pid); err != nil {
		return err
	}
	if err := WriteUIDMap(pid, h.UIDMappings); err != nil {
		return err
	}
	if err := WriteGIDMap(pid, h.GIDMappings); err != nil {
		return err
	}
	h.Log.WithField("pid", pid).Debug("uid/gid mappings applied")
	return nil
}
