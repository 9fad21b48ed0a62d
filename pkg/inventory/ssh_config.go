package inventory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// SSHConfigEntry represents a parsed SSH config entry
type SSHConfigEntry struct {
	HostPatterns []string // Host patterns (e.g., ["gui01", "gui*"])
	HostName     string
	User         string
	Port         int
	KeyPath      string
}

// Matches reports whether alias is selected by one of the entry's patterns.
func (e SSHConfigEntry) Matches(alias string) bool {
	for _, pattern := range e.HostPatterns {
		if pattern == alias {
			return true
		}
		if ok, _ := path.Match(pattern, alias); ok {
			return true
		}
	}
	return false
}

// isWildcard reports whether the entry only defines defaults for a pattern.
func (e SSHConfigEntry) isWildcard() bool {
	for _, p := range e.HostPatterns {
		if !strings.ContainsAny(p, "*?") {
			return false
		}
	}
	return true
}

// sshConfigCache caches parsed SSH config
type sshConfigCache struct {
	entries []SSHConfigEntry
	mu      sync.RWMutex
	loaded  bool
	path    string
}

var globalSSHConfig = &sshConfigCache{}

// SetSSHConfigPath overrides ~/.ssh/config and drops the cache.
func SetSSHConfigPath(p string) {
	globalSSHConfig.mu.Lock()
	defer globalSSHConfig.mu.Unlock()
	globalSSHConfig.path = p
	globalSSHConfig.loaded = false
	globalSSHConfig.entries = nil
}

// LoadSSHConfig loads and parses ~/.ssh/config
func LoadSSHConfig() ([]SSHConfigEntry, error) {
	globalSSHConfig.mu.Lock()
	defer globalSSHConfig.mu.Unlock()

	if globalSSHConfig.loaded {
		return globalSSHConfig.entries, nil
	}

	configPath := globalSSHConfig.path
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}
		configPath = filepath.Join(home, ".ssh", "config")
	}

	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			globalSSHConfig.loaded = true
			globalSSHConfig.entries = []SSHConfigEntry{}
			return globalSSHConfig.entries, nil
		}
		return nil, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	entries, err := ParseSSHConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config: %w", err)
	}

	globalSSHConfig.entries = entries
	globalSSHConfig.loaded = true

	return entries, nil
}

// ParseSSHConfig parses the subset of ssh_config(5) used for host resolution.
func ParseSSHConfig(r io.Reader) ([]SSHConfigEntry, error) {
	scanner := bufio.NewScanner(r)
	var entries []SSHConfigEntry
	var current *SSHConfigEntry

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// "Key=Value" is as valid as "Key Value"
		line = strings.Replace(line, "=", " ", 1)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		keyword := strings.ToLower(fields[0])
		if keyword == "host" {
			if current != nil && len(current.HostPatterns) > 0 {
				entries = append(entries, *current)
			}
			current = &SSHConfigEntry{HostPatterns: fields[1:]}
			continue
		}
		if current == nil || len(fields) < 2 {
			continue
		}

		switch keyword {
		case "hostname":
			current.HostName = fields[1]
		case "user":
			current.User = fields[1]
		case "port":
			if port, err := strconv.Atoi(fields[1]); err == nil {
				current.Port = port
			}
		case "identityfile":
			current.KeyPath = strings.Trim(fields[1], `"`)
		}
	}

	if current != nil && len(current.HostPatterns) > 0 {
		entries = append(entries, *current)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// GetSSHConfigEntry resolves alias the way ssh does: for each keyword the
// first matching Host block that sets it wins.
func GetSSHConfigEntry(alias string) (SSHConfigEntry, bool) {
	entries, err := LoadSSHConfig()
	if err != nil {
		return SSHConfigEntry{}, false
	}
	return resolveSSHConfig(entries, alias)
}

func resolveSSHConfig(entries []SSHConfigEntry, alias string) (SSHConfigEntry, bool) {
	out := SSHConfigEntry{HostPatterns: []string{alias}}
	found := false
	for _, e := range entries {
		if !e.Matches(alias) {
			continue
		}
		found = true
		if out.HostName == "" {
			out.HostName = e.HostName
		}
		if out.User == "" {
			out.User = e.User
		}
		if out.Port == 0 {
			out.Port = e.Port
		}
		if out.KeyPath == "" {
			out.KeyPath = e.KeyPath
		}
	}
	return out, found
}

// ExpandWildcardFromSSHConfig returns the concrete aliases in ssh config
// selected by pattern, in file order.
func ExpandWildcardFromSSHConfig(pattern string) []string {
	entries, err := LoadSSHConfig()
	if err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.isWildcard() {
			continue
		}
		for _, alias := range e.HostPatterns {
			if seen[alias] {
				continue
			}
			if ok, _ := path.Match(pattern, alias); ok {
				seen[alias] = true
				out = append(out, alias)
			}
		}
	}
	return out
}

// ReloadSSHConfig clears the cache and reloads SSH config
func ReloadSSHConfig() {
	globalSSHConfig.mu.Lock()
	defer globalSSHConfig.mu.Unlock()
	globalSSHConfig.loaded = false
	globalSSHConfig.entries = nil
}
