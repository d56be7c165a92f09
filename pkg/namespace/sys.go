// Package namespace implements the isolation engine: thin typed
// wrappers over the kernel primitives, one handler per namespace kind,
// and the orchestrator that sequences clone, UID-map writes, cgroup
// attachment and exec.
package namespace

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Clone flags for the namespace kinds we isolate. Values match the
// kernel ABI.
const (
	CloneNewNS   uintptr = 0x00020000
	CloneNewUTS  uintptr = 0x04000000
	CloneNewUser uintptr = 0x10000000
	CloneNewPID  uintptr = 0x20000000
)

// KernelError is a failed kernel primitive. It keeps the operation
// name and the raw errno so callers can distinguish failure kinds.
type KernelError struct {
	Op  string
	Err error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *KernelError) Unwrap() error {
	return e.Err
}

// Errno returns the kernel error code, or 0 when the underlying error
// did not carry one.
func (e *KernelError) Errno() unix.Errno {
	var errno unix.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}

func kernelErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &KernelError{Op: op, Err: err}
}

// Unshare moves the calling process into fresh namespaces of the
// selected kinds.
func Unshare(flags uintptr) error {
	return kernelErr("unshare", unix.Unshare(int(flags)))
}

// Chroot changes the root directory of the calling process.
func Chroot(path string) error {
	return kernelErr("chroot "+path, unix.Chroot(path))
}

// Chdir changes the working directory of the calling process.
func Chdir(path string) error {
	return kernelErr("chdir "+path, unix.Chdir(path))
}

// Mount is the raw mount primitive.
func Mount(source, target, fstype string, flags uintptr, data string) error {
	return kernelErr(fmt.Sprintf("mount %s on %s", source, target), unix.Mount(source, target, fstype, flags, data))
}

// MakeRootPrivate switches the propagation of every mount under / to
// private, so nothing done in this mount namespace leaks back to the
// host.
func MakeRootPrivate() error {
	return kernelErr("make / rprivate", unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""))
}

// MountProc mounts a fresh procfs at target.
func MountProc(target string) error {
	return kernelErr("mount proc on "+target, unix.Mount("proc", target, "proc", 0, ""))
}

// Sethostname sets the hostname within the current UTS namespace.
func Sethostname(name string) error {
	return kernelErr("sethostname "+name, unix.Sethostname([]byte(name)))
}

// DenySetgroups writes "deny" to /proc/<pid>/setgroups, a precondition
// for writing a gid_map from an unprivileged parent.
func DenySetgroups(pid int) error {
	path := fmt.Sprintf("/proc/%d/setgroups", pid)
	return kernelErr("write "+path, os.WriteFile(path, []byte("deny"), 0o644))
}

// WriteUIDMap installs uid mappings for pid's user namespace.
func WriteUIDMap(pid int, mappings []IDMap) error {
	return writeIDMap(fmt.Sprintf("/proc/%d/uid_map", pid), mappings)
}

// WriteGIDMap installs gid mappings for pid's user namespace.
func WriteGIDMap(pid int, mappings []IDMap) error {
	return writeIDMap(fmt.Sprintf("/proc/%d/gid_map", pid), mappings)
}

func writeIDMap(path string, mappings []IDMap) error {
	var sb strings.Builder
	for _, m := range mappings {
		fmt.Fprintf(&sb, "%d %d %d\n", m.Inside, m.Outside, m.Count)
	}
	return kernelErr("write "+path, os.WriteFile(path, []byte(sb.String()), 0o644))
}

// DropPrivileges sets the real and effective gid then uid of the
// calling process. Group first: once the uid is dropped we may no
// longer have the privilege to change groups.
func DropPrivileges(uid, gid int) error {
	if err := unix.Setregid(gid, gid); err != nil {
		return kernelErr(fmt.Sprintf("setregid %d", gid), err)
	}
	if err := unix.Setreuid(uid, uid); err != nil {
		return kernelErr(fmt.Sprintf("setreuid %d", uid), err)
	}
	return nil
}
