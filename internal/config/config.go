// Package config holds the process-wide viper configuration.
//
// Precedence, highest first: explicit Set calls and bound flags, IB_*
// environment variables, the config file, registered defaults. The file
// is the one passed to InitializeWithFile or, failing that, the first
// issuebridge.yaml found in the working directory, $XDG_CONFIG_HOME/issuebridge
// or $HOME/.config/issuebridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable names: gitlab.token is
// read from IB_GITLAB_TOKEN.
const EnvPrefix = "IB"

// FileName is the config file base name searched for.
const FileName = "issuebridge"

var (
	v  *viper.Viper
	mu sync.Mutex
)

// Initialize sets up viper with defaults, environment binding and the
// discovered config file. It may be called again to start over.
func Initialize() error {
	return InitializeWithFile("")
}

// InitializeWithFile is Initialize with an explicit config file. An empty
// path searches the default locations; a missing explicit file is an error.
func InitializeWithFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	nv := viper.New()
	nv.SetConfigType("yaml")
	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()
	registerDefaults(nv)

	if path != "" {
		nv.SetConfigFile(path)
	} else {
		nv.SetConfigName(FileName)
		for _, dir := range searchPaths() {
			nv.AddConfigPath(dir)
		}
	}
	if err := nv.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	v = nv
	return nil
}

func searchPaths() []string {
	dirs := []string{"."}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, FileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", FileName))
	}
	return dirs
}

// ResetForTesting drops the viper instance so tests start clean.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()
	v = nil
}

// ConfigFileUsed returns the path of the loaded config file, or "".
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Watch calls onChange after the config file is rewritten and re-read.
// It is a no-op when no file was loaded.
func Watch(onChange func()) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(fsnotify.Event) { onChange() })
	v.WatchConfig()
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value. A single
// comma-separated string, as environment variables carry, is split.
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	raw := v.GetStringSlice(key)
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Set sets a configuration value, overriding every other source.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
