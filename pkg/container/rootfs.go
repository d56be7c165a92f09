package container

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"

	"github.com/benidevo/minicon/pkg/config"
	"github.com/benidevo/minicon/pkg/secure"
	"github.com/sirupsen/logrus"
)

// essentialDirectories is the skeleton every container root gets.
var essentialDirectories = []string{"proc", "sys", "dev", "tmp", "etc", "bin", "lib", "home"}

// essentialBinaries are copied into skeleton root filesystems so a
// container without a base image can still run something.
var essentialBinaries = []string{"/bin/sh", "/bin/echo", "/bin/cat", "/bin/ls", "/bin/bash"}

// libSearchDirs is where shared libraries referenced by the essential
// binaries are looked for, covering the common distro layouts.
var libSearchDirs = []string{
	"/lib",
	"/lib64",
	"/usr/lib",
	"/lib/x86_64-linux-gnu",
	"/lib/aarch64-linux-gnu",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
}

// PrepareRootFS builds the root filesystem for a new container at
// <RootFSDir>/<id>. Preference order: copy the base image directory,
// extract the base image tar, or fall back to a minimal skeleton with
// a handful of binaries and their libraries. An /etc/hosts naming
// localhost and the container id is always written.
func PrepareRootFS(log *logrus.Entry, cfg *config.AppConfig, id string) (string, error) {
	rootFS := filepath.Join(cfg.RootFSDir, id)
	if !secure.IsSafePath(rootFS, cfg.BaseDir) {
		return "", NewError(Security, "rootfs path %s escapes base directory %s", rootFS, cfg.BaseDir)
	}

	if err := os.MkdirAll(rootFS, 0o755); err != nil {
		return "", NewError(Internal, "creating rootfs directory: %v", err)
	}

	switch {
	case isDir(cfg.BaseImage):
		if err := secure.CopyDirectory(cfg.BaseImage, rootFS, cfg.BaseDir); err != nil {
			return "", NewError(Security, "copying base image: %v", err)
		}
		log.WithField("base_image", cfg.BaseImage).Info("rootfs populated from base image directory")
	case isFile(cfg.BaseImage + ".tar"):
		if err := secure.ExtractTar(cfg.BaseImage+".tar", rootFS, cfg.BaseDir); err != nil {
			return "", NewError(Security, "extracting base image: %v", err)
		}
		log.WithField("base_image", cfg.BaseImage+".tar").Info("rootfs populated from base image tar")
	default:
		log.Info("no base image found, building minimal rootfs skeleton")
		if err := buildSkeleton(log, rootFS); err != nil {
			return "", err
		}
	}

	if err := writeHosts(rootFS, id); err != nil {
		return "", NewError(Internal, "writing /etc/hosts: %v", err)
	}

	return rootFS, nil
}

// RemoveRootFS deletes a container's root filesystem, refusing to
// touch anything outside the base directory.
func RemoveRootFS(cfg *config.AppConfig, rootFS string) error {
	if rootFS == "" {
		return nil
	}
	if !secure.IsSafePath(rootFS, cfg.BaseDir) {
		return NewError(Security, "refusing to remove %s: outside base directory", rootFS)
	}
	return os.RemoveAll(rootFS)
}

func buildSkeleton(log *logrus.Entry, rootFS string) error {
	for _, dir := range essentialDirectories {
		if err := os.MkdirAll(filepath.Join(rootFS, dir), 0o755); err != nil {
			return NewError(Internal, "creating %s: %v", dir, err)
		}
	}

	for _, binary := range essentialBinaries {
		if err := installBinary(rootFS, binary); err != nil {
			// A distro without bash, or an unreadable library, should
			// not fail container creation.
			log.WithError(err).WithField("binary", binary).Debug("skipping essential binary")
		}
	}
	return nil
}

// installBinary copies a binary and the shared libraries it links
// against into the rootfs.
func installBinary(rootFS, binary string) error {
	resolved, err := filepath.EvalSymlinks(binary)
	if err != nil {
		return err
	}

	target := filepath.Join(rootFS, "bin", filepath.Base(binary))
	if err := secure.CopyFile(resolved, target, 0o755); err != nil {
		return err
	}

	libs, err := requiredLibraries(resolved)
	if err != nil {
		return err
	}
	for _, lib := range libs {
		rel, err := filepath.Rel("/", lib)
		if err != nil {
			continue
		}
		if err := secure.CopyFile(lib, filepath.Join(rootFS, rel), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// requiredLibraries walks an ELF binary's DT_NEEDED entries (and
// theirs, transitively) plus its interpreter, resolving each against
// the usual library directories.
func requiredLibraries(binary string) ([]string, error) {
	var resolved []string
	seen := map[string]bool{}
	queue := []string{binary}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		f, err := elf.Open(current)
		if err != nil {
			if current == binary {
				return nil, err
			}
			continue
		}
		needed, _ := f.ImportedLibraries()
		interp := readInterp(f)
		f.Close()

		if interp != "" && !seen[interp] {
			seen[interp] = true
			resolved = append(resolved, interp)
		}

		for _, name := range needed {
			if seen[name] {
				continue
			}
			seen[name] = true
			if path := findLibrary(name); path != "" {
				resolved = append(resolved, path)
				queue = append(queue, path)
			}
		}
	}
	return resolved, nil
}

func readInterp(f *elf.File) string {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return ""
		}
		// trailing NUL
		if n := len(data); n > 0 && data[n-1] == 0 {
			data = data[:n-1]
		}
		return string(data)
	}
	return ""
}

func findLibrary(name string) string {
	for _, dir := range libSearchDirs {
		candidate := filepath.Join(dir, name)
		if isFile(candidate) {
			return candidate
		}
	}
	return ""
}

func writeHosts(rootFS, id string) error {
	if err := os.MkdirAll(filepath.Join(rootFS, "etc"), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("127.0.0.1 localhost\n127.0.0.1 %s\n", id)
	return os.WriteFile(filepath.Join(rootFS, "etc", "hosts"), []byte(content), 0o644)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
