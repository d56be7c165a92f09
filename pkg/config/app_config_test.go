package config

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestAppConfig(t *testing.T) *AppConfig {
	t.Helper()
	conf, err := NewAppConfig("minicon", "test", "", false)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	return conf
}

func TestDefaultsWithoutEnvironment(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("MINICON_BASE_DIR", "")
	t.Setenv("MINICON_MEMORY_LIMIT", "")

	conf := newTestAppConfig(t)

	if conf.BaseDir == "" {
		t.Fatal("Expected a base dir to be resolved")
	}
	if conf.BaseImage != filepath.Join(conf.BaseDir, "base") {
		t.Fatalf("Expected base image under base dir, got %s", conf.BaseImage)
	}
	if conf.RootFSDir != filepath.Join(conf.BaseDir, "rootfs") {
		t.Fatalf("Expected rootfs dir under base dir, got %s", conf.RootFSDir)
	}
	if conf.RegistryFile != filepath.Join(conf.BaseDir, "containers.json") {
		t.Fatalf("Expected registry file under base dir, got %s", conf.RegistryFile)
	}
	if conf.MemoryLimit != DefaultMemoryLimit {
		t.Fatalf("Expected default memory limit, got %d", conf.MemoryLimit)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("MINICON_BASE_DIR", base)
	t.Setenv("MINICON_BASE_IMAGE", filepath.Join(base, "alpine"))
	t.Setenv("MINICON_ROOTFS_DIR", filepath.Join(base, "containers"))
	t.Setenv("MINICON_REGISTRY_FILE", filepath.Join(base, "state.json"))
	t.Setenv("MINICON_MEMORY_LIMIT", "1048576")

	conf := newTestAppConfig(t)

	if conf.BaseDir != base {
		t.Fatalf("Expected %s but got %s", base, conf.BaseDir)
	}
	if conf.BaseImage != filepath.Join(base, "alpine") {
		t.Fatalf("Unexpected base image %s", conf.BaseImage)
	}
	if conf.RootFSDir != filepath.Join(base, "containers") {
		t.Fatalf("Unexpected rootfs dir %s", conf.RootFSDir)
	}
	if conf.RegistryFile != filepath.Join(base, "state.json") {
		t.Fatalf("Unexpected registry file %s", conf.RegistryFile)
	}
	if conf.MemoryLimit != 1048576 {
		t.Fatalf("Expected 1048576 but got %d", conf.MemoryLimit)
	}
}

func TestInvalidMemoryLimitFallsBack(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("MINICON_BASE_DIR", t.TempDir())
	t.Setenv("MINICON_MEMORY_LIMIT", "not-a-number")

	conf := newTestAppConfig(t)

	if conf.MemoryLimit != DefaultMemoryLimit {
		t.Fatalf("Expected default memory limit, got %d", conf.MemoryLimit)
	}
}

func TestConfigFileIsMergedUnderEnvironment(t *testing.T) {
	configHome := t.TempDir()
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("MINICON_BASE_DIR", "")
	t.Setenv("MINICON_MEMORY_LIMIT", "")
	t.Setenv("MINICON_REGISTRY_FILE", filepath.Join(base, "env.json"))

	configDir := filepath.Join(configHome, "benidevo", "minicon")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	content := "baseDir: " + base + "\nmemoryLimit: 2097152\nregistryFile: " + filepath.Join(base, "file.json") + "\n"
	if err := os.WriteFile(filepath.Join(configDir, "config.yml"), []byte(content), 0o644); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	conf := newTestAppConfig(t)

	if conf.BaseDir != base {
		t.Fatalf("Expected base dir from config file, got %s", conf.BaseDir)
	}
	if conf.MemoryLimit != 2097152 {
		t.Fatalf("Expected memory limit from config file, got %d", conf.MemoryLimit)
	}
	// The environment wins over the file.
	if conf.RegistryFile != filepath.Join(base, "env.json") {
		t.Fatalf("Expected registry file from environment, got %s", conf.RegistryFile)
	}
}
