package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

func TestKnownHostsVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	key := newPublicKey(t)

	v, err := NewKnownHostsVerifier(path, true)
	if err != nil {
		t.Fatal(err)
	}

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}
	if err := v.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Errorf("Auto-add failed: %v", err)
	}
	if err := v.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Errorf("Verification failed for existing key: %v", err)
	}

	if err := v.Verify("127.0.0.1:22", addr, newPublicKey(t)); !errors.Is(err, ErrHostKeyChanged) {
		t.Errorf("expected ErrHostKeyChanged, got %v", err)
	}

	strict, err := NewKnownHostsVerifier(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := strict.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Errorf("key written by auto-add should be loaded: %v", err)
	}
	other := &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 22}
	if err := strict.Verify("192.168.1.100:22", other, key); !errors.Is(err, ErrHostKeyUnknown) {
		t.Errorf("expected ErrHostKeyUnknown, got %v", err)
	}
}

func TestKnownHostsNonStandardPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	v, err := NewKnownHostsVerifier(path, true)
	if err != nil {
		t.Fatal(err)
	}
	key := newPublicKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 2222}
	if err := v.Verify("10.0.0.1:2222", addr, key); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "[10.0.0.1]:2222 ssh-ed25519 ") {
		t.Errorf("unexpected known_hosts line %q", data)
	}

	// the same host on port 22 is a different entry
	if err := v.Verify("10.0.0.1:22", &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}, newPublicKey(t)); err != nil {
		t.Errorf("port 22 should be unknown and auto-added, got %v", err)
	}
}

func TestMatchHostPattern(t *testing.T) {
	tests := []struct {
		host    string
		pattern string
		match   bool
	}{
		{"example.com", "example.com", true},
		{"example.com", "*.com", true},
		{"192.168.1.10", "192.168.1.*", true},
		{"example.com", "other.com", false},
		{"example.com", "!other.com", true},
		{"example.com", "!example.com", false},
	}

	for _, tt := range tests {
		result := matchHostPattern(tt.host, tt.pattern)
		if result != tt.match {
			t.Errorf("matchHostPattern(%s, %s): expected %v, got %v", tt.host, tt.pattern, tt.match, result)
		}
	}

	if entryMatches("db.internal", []string{"*.internal", "!db.internal"}) {
		t.Error("negated pattern should exclude the host")
	}
	if !entryMatches("web.internal", []string{"*.internal", "!db.internal"}) {
		t.Error("positive pattern should select the host")
	}
}
