package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tinyland-inc/meshgram/pkg/config"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

func GetConfigPath() string {
	if p := os.Getenv("MESHGRAM_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".meshgram", "config.json")
}

func LoadStore() (*config.Store, error) {
	return config.NewStore(GetConfigPath())
}

// FormatVersion returns the version string with optional git commit.
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildTime returns the build timestamp, if set by the linker.
func FormatBuildTime() string {
	if buildTime == "" {
		return "unknown"
	}
	return buildTime
}
