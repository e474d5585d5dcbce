// Package config handles dbyard's own configuration: where its state
// lives, what roots and globs it watches by default, and the per-kind
// spawn defaults an artifact's classification resolves against.
//
// AppConfig is the resolved, process-wide configuration (built once at
// startup from flags + environment + the user's config.yml). UserConfig
// is the part of it that lives in config.yml and can be hand edited.
package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
	"github.com/spkg/bom"
)

// AppConfig is the fully resolved configuration for one supervisor run.
type AppConfig struct {
	Name       string
	Version    string
	Debug      bool
	ConfigDir  string
	LedgerHome string
	UserConfig *UserConfig
}

// KindSpec is the set of spawn defaults registered for one service kind.
// It is the runtime analogue of the teacher's per-kind command templates.
type KindSpec struct {
	// Command is the default binary used to launch this kind, unless an
	// artifact override (<kind>.bin) replaces it.
	Command string `yaml:"command,omitempty"`
	// Args are the complete argument list passed to Command; dbyard adds
	// no listen/port/prefix arguments of its own. May contain
	// {{placeholder}} tokens resolved against the spawn plan's template
	// data.
	Args []string `yaml:"args,omitempty"`
	// Env holds extra environment variables merged under the identity
	// tag set; plan-supplied values always win over these.
	Env map[string]string `yaml:"env,omitempty"`
}

// RootSpec is one filesystem root dbyard discovers artifacts under.
type RootSpec struct {
	Path  string   `yaml:"path"`
	Globs []string `yaml:"globs,omitempty"`
}

// UserConfig is the hand-editable part of dbyard's configuration.
type UserConfig struct {
	// Roots lists filesystem roots with their globs. The CLI commands do
	// not read it: they discover under their own root arguments, or the
	// current directory when none are given.
	Roots []RootSpec `yaml:"roots,omitempty"`

	// Kinds maps a service kind name to its spawn defaults.
	Kinds map[string]KindSpec `yaml:"kinds,omitempty"`

	// ListenHost is the default loopback host services are bound to.
	ListenHost string `yaml:"listenHost,omitempty"`

	// PortRangeStart is where port allocation starts scanning from when
	// there is no hint from a previous allocation.
	PortRangeStart int `yaml:"portRangeStart,omitempty"`

	// WebHost/WebPort are the gateway's own listen address.
	WebHost string `yaml:"webHost,omitempty"`
	WebPort int    `yaml:"webPort,omitempty"`

	// DebounceMs is the default watch-driver debounce window.
	DebounceMs int `yaml:"debounceMs,omitempty"`

	// ReconcileEveryMs, when nonzero, schedules a periodic full reconcile
	// alongside delta reconciles in watch mode.
	ReconcileEveryMs int `yaml:"reconcileEveryMs,omitempty"`

	// AdoptForeignState opts into reclaiming ledger records owned by a
	// different owner-token.
	AdoptForeignState bool `yaml:"adoptForeignState,omitempty"`

	// ActiveAliasDir is the stable alias directory name under the ledger
	// home (default "active").
	ActiveAliasDir string `yaml:"activeAliasDir,omitempty"`
}

// GetDefaultConfig returns dbyard's baked-in defaults.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		Kinds:             map[string]KindSpec{},
		ListenHost:        "127.0.0.1",
		PortRangeStart:    3000,
		WebHost:           "127.0.0.1",
		WebPort:           8787,
		DebounceMs:        250,
		ReconcileEveryMs:  0,
		AdoptForeignState: false,
		ActiveAliasDir:    "active",
	}
}

// NewAppConfig resolves the configuration directory, loads config.yml
// over the defaults, and returns the resolved AppConfig.
func NewAppConfig(name, version string, debug bool) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	return &AppConfig{
		Name:       name,
		Version:    version,
		Debug:      debug || os.Getenv("DEBUG") == "TRUE",
		ConfigDir:  configDir,
		LedgerHome: filepath.Join(configDir, "ledger"),
		UserConfig: userConfig,
	}, nil
}

func configDirForVendor(vendor, projectName string) string {
	if envConfigDir := os.Getenv("CONFIG_DIR"); envConfigDir != "" {
		return envConfigDir
	}
	configDirs := xdg.New(vendor, projectName)
	return configDirs.ConfigHome()
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDirForVendor("", projectName)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}
	return folder, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	base := GetDefaultConfig()
	return loadUserConfig(configDir, &base)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := bomRead(f)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

func bomRead(f *os.File) ([]byte, error) {
	r := bom.NewReader(f)
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return buf, err
		}
		if n == 0 {
			break
		}
	}
	return buf, nil
}

// KindSpecFor returns the configured defaults for a kind, or a zero value
// if none is registered.
func (c *UserConfig) KindSpecFor(kind string) KindSpec {
	if c.Kinds == nil {
		return KindSpec{}
	}
	return c.Kinds[kind]
}
