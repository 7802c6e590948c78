// Package session resolves the on-disk layout of a named archive session.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/matheus3301/chatvault/internal/config"
)

const DefaultSessionName = "main"

// EnvHome overrides the base directory, ~/.chatvault by default.
const EnvHome = "CHATVAULT_HOME"

// EnvSession selects the session when no flag is given.
const EnvSession = "CHATVAULT_SESSION"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. CHATVAULT_SESSION
// 3. config.toml default_session
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvSession); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// BaseDir returns $CHATVAULT_HOME or ~/.chatvault.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatvault")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// TelegramSessionPath returns the MTProto session file.
func TelegramSessionPath(name string) string {
	return filepath.Join(Dir(name), "telegram.session")
}

// VaultDBPath returns the archive database path.
func VaultDBPath(name string) string {
	return filepath.Join(Dir(name), "vault.db")
}

// EnvPath returns the per-session secrets file.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatvaultd.log")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
