package config

// UserConfig holds the options an operator can set in the optional
// config.yml. Everything here can also be set through environment
// variables, which take precedence over the file.
type UserConfig struct {
	// BaseDir is the directory all runtime state lives under. Every
	// path the runtime copies, extracts or mounts must resolve inside
	// this directory.
	BaseDir string `yaml:"baseDir,omitempty"`

	// BaseImage is a directory (or a .tar next to it) whose contents
	// seed each container's root filesystem. When neither exists a
	// minimal skeleton is built instead.
	BaseImage string `yaml:"baseImage,omitempty"`

	// RootFSDir is where per-container root filesystems are created,
	// one subdirectory per container id.
	RootFSDir string `yaml:"rootFSDir,omitempty"`

	// RegistryFile is the JSON file the container registry persists to.
	RegistryFile string `yaml:"registryFile,omitempty"`

	// MemoryLimit is the default memory limit in bytes applied to
	// containers created without an explicit limit.
	MemoryLimit int64 `yaml:"memoryLimit,omitempty"`
}

// GetDefaultUserConfig returns the zero-value user config; defaults are
// filled in by NewAppConfig after merging, because they depend on
// whether we are running as root.
func GetDefaultUserConfig() *UserConfig {
	return &UserConfig{}
}
