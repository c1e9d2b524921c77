package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultInstance names the instance used when none is configured.
const DefaultInstance = "default"

// InstancePaths is the on-disk layout of one Jetbot instance, rooted at
// $JETBOT_HOME/instances/<name>. ModulesFile is YAML, Journal is SQLite and
// PIDFile guards against a second jetbotd on the same instance.
type InstancePaths struct {
	Home        string
	ModulesFile string
	Journal     string
	Logs        string
	RunDir      string
	PIDFile     string
}

// GetInstancePaths resolves the layout for instanceName, falling back to
// DefaultInstance when it is blank.
func GetInstancePaths(instanceName string) InstancePaths {
	if strings.TrimSpace(instanceName) == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetJetbotHome(), "instances", instanceName)

	return InstancePaths{
		Home:        instanceDir,
		ModulesFile: filepath.Join(instanceDir, "modules.yaml"),
		Journal:     filepath.Join(instanceDir, "journal.db"),
		Logs:        filepath.Join(instanceDir, "logs"),
		RunDir:      filepath.Join(instanceDir, "run"),
		PIDFile:     filepath.Join(instanceDir, "run", "jetbotd.pid"),
	}
}

// GetJetbotHome returns the Jetbot home directory. JETBOT_HOME overrides the
// default of ~/.jetbot.
func GetJetbotHome() string {
	if home := strings.TrimSpace(os.Getenv("JETBOT_HOME")); home != "" {
		return ExpandPath(home)
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".jetbot")
}

// ExpandPath replaces a leading "~" or "~/" with the user's home directory.
// "~user" forms are returned unchanged.
func ExpandPath(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok {
		return path
	}
	switch {
	case rest == "":
		home, _ := os.UserHomeDir()
		return home
	case rest[0] == '/' || rest[0] == os.PathSeparator:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, rest[1:])
	default:
		return path
	}
}

// EnsureInstanceDirs resolves the layout for instanceName and creates its
// directories. The registry and journal files are left to their owners.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)
	for _, dir := range []string{paths.Home, paths.Logs, paths.RunDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return paths, nil
}
