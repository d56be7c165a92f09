// Package secure holds the validation predicates and safe filesystem
// operations the container manager relies on. Predicates are pure;
// the copy/extract helpers refuse to touch anything that does not
// resolve under the configured base directory.
package secure

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxContainerNameLength bounds user-chosen container names.
	MaxContainerNameLength = 64

	// MaxHostnameLength matches the RFC-1035 limit on full hostnames.
	MaxHostnameLength = 253
)

// dangerousCommands are executables we refuse to run as a container's
// init process.
var dangerousCommands = map[string]bool{
	"rm":     true,
	"rmdir":  true,
	"dd":     true,
	"mkfs":   true,
	"fdisk":  true,
	"parted": true,
	"mount":  true,
	"umount": true,
	"sudo":   true,
	"su":     true,
	"chmod":  true,
	"chown":  true,
}

// IsSafePath reports whether path resolves inside allowedBase, i.e. no
// directory traversal or symlink can escape it.
func IsSafePath(path, allowedBase string) bool {
	resolved, err := resolvePath(path)
	if err != nil {
		return false
	}
	base, err := resolvePath(allowedBase)
	if err != nil {
		return false
	}
	return resolved == base || strings.HasPrefix(resolved, base+string(os.PathSeparator))
}

// resolvePath canonicalizes a path that may not exist yet: symlinks in
// the longest existing prefix are resolved, the rest is cleaned on.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	remainder := ""
	current := abs
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		current = parent
	}
}

// ValidContainerName reports whether name is acceptable: non-empty, at
// most MaxContainerNameLength chars, alphanumerics plus '-' and '_'.
func ValidContainerName(name string) bool {
	if name == "" || len(name) > MaxContainerNameLength {
		return false
	}
	for _, c := range name {
		if !isAlphanumeric(c) && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

// ValidHostname reports whether hostname is acceptable: non-empty, at
// most MaxHostnameLength chars, alphanumerics plus '.' and '-'.
func ValidHostname(hostname string) bool {
	if hostname == "" || len(hostname) > MaxHostnameLength {
		return false
	}
	for _, c := range hostname {
		if !isAlphanumeric(c) && c != '.' && c != '-' {
			return false
		}
	}
	return true
}

// ValidCommand reports whether command is a runnable argv whose
// executable is not on the blocked list.
func ValidCommand(command []string) bool {
	if len(command) == 0 || command[0] == "" {
		return false
	}
	return !dangerousCommands[filepath.Base(command[0])]
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// CopyDirectory copies the contents of source into destination,
// preserving modes and symlinks. Both paths must resolve under
// allowedBase aside from the source, which only needs to exist.
func CopyDirectory(source, destination, allowedBase string) error {
	info, err := os.Stat(source)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("invalid source directory: %s", source)
	}
	if !IsSafePath(destination, allowedBase) {
		return fmt.Errorf("unsafe destination path: %s", destination)
	}

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destination, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return CopyFile(path, target, info.Mode().Perm())
		default:
			// device nodes, sockets and the like are skipped
			return nil
		}
	})
}

// CopyFile copies a single regular file.
func CopyFile(source, destination string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// ExtractTar unpacks tarPath into destination. Every entry is checked
// against the destination so a crafted archive cannot write outside it.
func ExtractTar(tarPath, destination, allowedBase string) error {
	if !strings.HasSuffix(tarPath, ".tar") {
		return fmt.Errorf("invalid tar file: %s", tarPath)
	}
	if !IsSafePath(destination, allowedBase) {
		return fmt.Errorf("unsafe destination path: %s", destination)
	}

	file, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := tar.NewReader(file)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destination, filepath.Clean("/"+header.Name))
		if !strings.HasPrefix(target, filepath.Clean(destination)+string(os.PathSeparator)) && target != filepath.Clean(destination) {
			return fmt.Errorf("tar entry escapes destination: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, reader); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		}
	}
}
