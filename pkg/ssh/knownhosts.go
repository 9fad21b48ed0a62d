package ssh

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrHostKeyUnknown is returned when the host key is not in known_hosts.
	ErrHostKeyUnknown = errors.New("host key unknown")
	// ErrHostKeyChanged is returned when the host key differs from known_hosts.
	ErrHostKeyChanged = errors.New("host key changed")
)

// KnownHostsVerifier handles host key verification using known_hosts file.
type KnownHostsVerifier struct {
	knownHostsPath string
	entries        []knownHostsEntry
	autoAdd        bool // Automatically add unknown host keys
	mu             sync.RWMutex
}

// NewKnownHostsVerifier creates a verifier from known_hosts file.
//
// If autoAdd is true, unknown host keys will be automatically added to known_hosts.
// If autoAdd is false, connections to unknown hosts will be rejected.
func NewKnownHostsVerifier(path string, autoAdd bool) (*KnownHostsVerifier, error) {
	v := &KnownHostsVerifier{
		knownHostsPath: expandKnownHostsPath(path),
		autoAdd:        autoAdd,
	}

	if err := v.load(); err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	return v, nil
}

// NewDialer returns a Dialer that verifies host keys against known_hosts.
func NewDialer(knownHostsPath string, strict bool) (*Dialer, error) {
	v, err := NewKnownHostsVerifier(knownHostsPath, !strict)
	if err != nil {
		return nil, err
	}
	return &Dialer{HostKeyCallback: v.HostKeyCallback()}, nil
}

// load parses the known_hosts file.
func (v *KnownHostsVerifier) load() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.Open(v.knownHostsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(filepath.Dir(v.knownHostsPath), 0700)
		}
		return err
	}
	defer f.Close()

	v.entries = nil
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseKnownHostsLine(line)
		if err != nil {
			// hashed and marker lines are not ours to interpret
			continue
		}
		v.entries = append(v.entries, *entry)
	}

	return scanner.Err()
}

// knownHostsEntry represents a parsed known_hosts entry.
type knownHostsEntry struct {
	patterns  []string
	publicKey ssh.PublicKey
}

// parseKnownHostsLine parses "pattern[,pattern...] key-type key-data".
func parseKnownHostsLine(line string) (*knownHostsEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, fmt.Errorf("invalid line format")
	}
	if strings.HasPrefix(fields[0], "@") || strings.HasPrefix(fields[0], "|") {
		return nil, fmt.Errorf("unsupported entry")
	}

	publicKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.Join(fields[1:], " ")))
	if err != nil {
		return nil, fmt.Errorf("failed to parse key: %w", err)
	}

	return &knownHostsEntry{
		patterns:  strings.Split(fields[0], ","),
		publicKey: publicKey,
	}, nil
}

// normalizeHost renders addr the way known_hosts stores it: the bare host
// for port 22, "[host]:port" otherwise.
func normalizeHost(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if port == "22" {
		return host
	}
	return "[" + host + "]:" + port
}

// matchHostPattern matches one known_hosts or ssh_config style pattern.
// A leading "!" negates it.
func matchHostPattern(host, pattern string) bool {
	if strings.HasPrefix(pattern, "!") {
		return !matchHostPattern(host, pattern[1:])
	}
	if host == pattern {
		return true
	}
	if strings.ContainsAny(pattern, "*?") {
		matched, _ := path.Match(pattern, host)
		return matched
	}
	return false
}

// Verify checks if the host key matches known_hosts.
func (v *KnownHostsVerifier) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	candidates := []string{normalizeHost(hostname)}
	if remote != nil {
		if r := normalizeHost(remote.String()); r != candidates[0] {
			candidates = append(candidates, r)
		}
	}

	v.mu.RLock()
	known := false
	for _, c := range candidates {
		matched, hasEntry := v.findMatchingKey(c, key)
		if matched {
			v.mu.RUnlock()
			return nil
		}
		known = known || hasEntry
	}
	v.mu.RUnlock()

	if known {
		return fmt.Errorf("%w: %s", ErrHostKeyChanged, candidates[0])
	}
	if !v.autoAdd {
		return fmt.Errorf("%w: %s", ErrHostKeyUnknown, candidates[0])
	}
	return v.Add(candidates[0], key)
}

// findMatchingKey reports whether host has an entry for key's type with
// the same key (matched) and whether it has any entry of that type.
func (v *KnownHostsVerifier) findMatchingKey(host string, key ssh.PublicKey) (matched, hasEntry bool) {
	keyBytes := key.Marshal()
	for _, e := range v.entries {
		if e.publicKey.Type() != key.Type() || !entryMatches(host, e.patterns) {
			continue
		}
		hasEntry = true
		if bytes.Equal(e.publicKey.Marshal(), keyBytes) {
			return true, true
		}
	}
	return false, hasEntry
}

// entryMatches applies a pattern list: any negated match excludes the
// host, otherwise one positive match is needed.
func entryMatches(host string, patterns []string) bool {
	positive := false
	for _, p := range patterns {
		if strings.HasPrefix(p, "!") {
			if matchHostPattern(host, p[1:]) {
				return false
			}
			continue
		}
		if matchHostPattern(host, p) {
			positive = true
		}
	}
	return positive
}

// Add adds a new host key to known_hosts.
func (v *KnownHostsVerifier) Add(host string, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.OpenFile(v.knownHostsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s\n", host, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to write to known_hosts: %w", err)
	}

	v.entries = append(v.entries, knownHostsEntry{patterns: []string{host}, publicKey: key})
	return nil
}

// HostKeyCallback returns an ssh.HostKeyCallback for use with ssh.ClientConfig.
func (v *KnownHostsVerifier) HostKeyCallback() ssh.HostKeyCallback {
	return ssh.HostKeyCallback(v.Verify)
}

// expandKnownHostsPath expands ~ in path.
func expandKnownHostsPath(path string) string {
	if path == "" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".ssh", "known_hosts")
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
