package credential

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// FleetKey is the DefaultSource backed by a private key file and,
// optionally, the signers of a running ssh-agent.
type FleetKey struct {
	// KeyPath is the fleet private key. Empty means the usual ~/.ssh names.
	KeyPath string
	// PublicKeyPath, when set, is installed by host verification instead
	// of the public half of KeyPath.
	PublicKeyPath string
	UseAgent      bool

	mu     sync.Mutex
	cached *Credential
}

var defaultKeyNames = []string{
	"id_rsa",
	"id_ed25519",
	"id_ecdsa",
}

// DefaultCredential loads the key on first use. A failed load is retried
// on the next call so a key installed later is picked up.
func (f *FleetKey) DefaultCredential() (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached != nil {
		return *f.cached, nil
	}

	var signers []ssh.Signer
	var pemText string
	var errs []error

	for _, p := range f.candidates() {
		data, err := os.ReadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		signer, err := ParsePrivateKey(string(data))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		signers = append(signers, signer)
		pemText = string(data)
		break
	}

	if f.UseAgent {
		agentSigners, err := agentSigners()
		if err != nil {
			errs = append(errs, err)
		}
		signers = append(signers, agentSigners...)
	}

	if len(signers) == 0 {
		return Credential{}, fmt.Errorf("no fleet default key: %w", errors.Join(errs...))
	}

	cred := Credential{Kind: KindKey, Origin: FromDefault, Signers: signers, PEM: pemText}
	f.cached = &cred
	return cred, nil
}

// AuthorizedKey returns the fleet public key in authorized_keys format.
func (f *FleetKey) AuthorizedKey() (string, error) {
	if f.PublicKeyPath != "" {
		data, err := os.ReadFile(expandHome(f.PublicKeyPath))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey(data); err != nil {
			return "", fmt.Errorf("fleet public key %s: %w", f.PublicKeyPath, err)
		}
		return string(data), nil
	}
	cred, err := f.DefaultCredential()
	if err != nil {
		return "", err
	}
	return string(ssh.MarshalAuthorizedKey(cred.Signers[0].PublicKey())), nil
}

func (f *FleetKey) candidates() []string {
	if f.KeyPath != "" {
		return []string{expandHome(f.KeyPath)}
	}
	home, _ := os.UserHomeDir()
	out := make([]string, 0, len(defaultKeyNames))
	for _, name := range defaultKeyNames {
		out = append(out, filepath.Join(home, ".ssh", name))
	}
	return out
}

// agentSigners returns the signers of the agent at SSH_AUTH_SOCK.
func agentSigners() ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}

	conn, err := net.DialTimeout("unix", socket, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ssh-agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get signers from agent: %w", err)
	}
	if len(signers) == 0 {
		conn.Close()
		return nil, fmt.Errorf("no signers available in ssh-agent")
	}
	// the connection stays open: agent signers sign through it
	return signers, nil
}

func expandHome(p string) string {
	if len(p) > 1 && p[0] == '~' && p[1] == '/' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, p[2:])
	}
	return p
}

// Static is a DefaultSource returning a fixed credential; used by embedders
// that manage keys themselves.
type Static struct {
	Credential Credential
}

func (s Static) DefaultCredential() (Credential, error) {
	if s.Credential.Kind == 0 {
		return Credential{}, ErrCredentialUnavailable
	}
	return s.Credential, nil
}

// AuthorizedKey returns the public half of the static key.
func (s Static) AuthorizedKey() (string, error) {
	cred, err := s.DefaultCredential()
	if err != nil {
		return "", err
	}
	if len(cred.Signers) == 0 {
		return "", fmt.Errorf("%w: static credential holds no key", ErrCredentialUnavailable)
	}
	return string(ssh.MarshalAuthorizedKey(cred.Signers[0].PublicKey())), nil
}
