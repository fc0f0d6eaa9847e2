package conf

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
)

// GetLogger returns the config package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}

// GetDefaultConfigPaths returns the directories searched for config.yaml,
// most specific first.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "get_home_directory").
			Build()
	}

	return []string{
		filepath.Join(homeDir, ".config", "iotalerts"),
		"/etc/iotalerts",
		".",
	}, nil
}

// ConfigDir returns the directory of the config file in use, or the first
// default path when no file has been read.
func ConfigDir() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return filepath.Dir(used)
	}
	paths, err := GetDefaultConfigPaths()
	if err != nil || len(paths) == 0 {
		return "."
	}
	return paths[0]
}

// ResolvePath makes a relative path relative to the config directory.
func ResolvePath(path string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ConfigDir(), path)
}
