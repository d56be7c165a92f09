// Package config handles runtime configuration. Defaults are chosen at
// startup, overridden by the optional config.yml in the minicon config
// directory, and finally by MINICON_* environment variables. The
// resulting AppConfig is read-only for the rest of the process.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/imdario/mergo"
	yaml "github.com/jesseduffield/yaml"
)

// DefaultMemoryLimit is applied when neither the config file nor the
// environment sets one. 250MB.
const DefaultMemoryLimit int64 = 250 * 1024 * 1024

// AppConfig is the resolved process-wide configuration.
type AppConfig struct {
	Debug       bool   `long:"debug" env:"DEBUG" default:"false"`
	Version     string `long:"version" env:"VERSION" default:"unversioned"`
	Name        string `long:"name" env:"NAME" default:"minicon"`
	BuildSource string `long:"build-source" env:"BUILD_SOURCE" default:""`

	// ConfigDir holds config.yml and, in debug mode, the log file.
	ConfigDir string

	// BaseDir is the safe base for every filesystem operation the
	// runtime performs. Defaults to /var/lib/minicon for root, or the
	// xdg data dir when running unprivileged (tests, dry runs).
	BaseDir string

	// BaseImage is the directory used to seed container root
	// filesystems; <BaseImage>.tar is consulted when the directory is
	// absent.
	BaseImage string

	// RootFSDir contains one root filesystem directory per container.
	RootFSDir string

	// RegistryFile is where container state is persisted.
	RegistryFile string

	// MemoryLimit is the default per-container memory limit in bytes.
	MemoryLimit int64

	UserConfig *UserConfig
}

// NewAppConfig resolves the full configuration for this process.
func NewAppConfig(name, version, buildSource string, debuggingFlag bool) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfig(configDir)
	if err != nil {
		return nil, err
	}

	baseDir := userConfig.BaseDir
	if baseDir == "" {
		baseDir = defaultBaseDir(name)
	}
	if env := os.Getenv("MINICON_BASE_DIR"); env != "" {
		baseDir = env
	}

	appConfig := &AppConfig{
		Name:         name,
		Version:      version,
		BuildSource:  buildSource,
		Debug:        debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		ConfigDir:    configDir,
		BaseDir:      baseDir,
		BaseImage:    firstNonEmpty(os.Getenv("MINICON_BASE_IMAGE"), userConfig.BaseImage, filepath.Join(baseDir, "base")),
		RootFSDir:    firstNonEmpty(os.Getenv("MINICON_ROOTFS_DIR"), userConfig.RootFSDir, filepath.Join(baseDir, "rootfs")),
		RegistryFile: firstNonEmpty(os.Getenv("MINICON_REGISTRY_FILE"), userConfig.RegistryFile, filepath.Join(baseDir, "containers.json")),
		MemoryLimit:  resolveMemoryLimit(userConfig.MemoryLimit),
		UserConfig:   userConfig,
	}

	return appConfig, nil
}

func defaultBaseDir(name string) string {
	if os.Geteuid() == 0 {
		return "/var/lib/minicon"
	}
	// Unprivileged runs (tests, rootless smoke runs) must never try to
	// write under /var/lib.
	return filepath.Join(xdg.New("benidevo", name).DataHome())
}

func findOrCreateConfigDir(projectName string) (string, error) {
	configDirs := xdg.New("benidevo", projectName)
	folder := configDirs.ConfigHome()
	return folder, os.MkdirAll(folder, 0o755)
}

func loadUserConfig(configDir string) (*UserConfig, error) {
	config := GetDefaultUserConfig()

	fileName := filepath.Join(configDir, "config.yml")
	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	onDisk := &UserConfig{}
	if err := yaml.Unmarshal(content, onDisk); err != nil {
		return nil, err
	}

	if err := mergo.Merge(config, onDisk, mergo.WithOverride); err != nil {
		return nil, err
	}

	return config, nil
}

func resolveMemoryLimit(fromFile int64) int64 {
	if env := os.Getenv("MINICON_MEMORY_LIMIT"); env != "" {
		if limit, err := strconv.ParseInt(env, 10, 64); err == nil && limit > 0 {
			return limit
		}
	}
	if fromFile > 0 {
		return fromFile
	}
	return DefaultMemoryLimit
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
