package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/liliang-cn/execd/pkg/task"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(block))
}

func TestResolvePrecedence(t *testing.T) {
	hostKey := testKeyPEM(t)
	fleet := Static{Credential: Credential{Kind: KindPassword, Password: "fleet"}}
	r := NewResolver(fleet)

	base := task.HostConnectionDescriptor{Address: "10.0.0.1", Port: 22, Username: "root"}

	tests := []struct {
		name       string
		key        string
		pass       string
		useDefault bool
		kind       Kind
		origin     Origin
	}{
		{"key wins over password", hostKey, "secret", false, KindKey, FromHost},
		{"password", "", "secret", false, KindPassword, FromHost},
		{"fleet default", "", "", false, KindPassword, FromDefault},
		{"bad key falls through", "not a key", "secret", false, KindPassword, FromHost},
		{"use default ignores host material", hostKey, "secret", true, KindPassword, FromDefault},
	}
	for _, tt := range tests {
		h := base
		h.PrivateKey = tt.key
		h.Password = tt.pass
		h.UseDefault = tt.useDefault
		cred, err := r.Resolve(h)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if cred.Kind != tt.kind || cred.Origin != tt.origin {
			t.Errorf("%s: got %v/%v, want %v/%v", tt.name, cred.Kind, cred.Origin, tt.kind, tt.origin)
		}
		if len(cred.AuthMethods()) == 0 {
			t.Errorf("%s: no auth methods", tt.name)
		}
	}
}

func TestResolveUnavailable(t *testing.T) {
	h := task.HostConnectionDescriptor{Address: "10.0.0.2", Port: 22, Username: "root", UseDefault: true}

	_, err := NewResolver(nil).Resolve(h)
	if !errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("expected ErrCredentialUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "10.0.0.2:22") {
		t.Errorf("error should name the host: %v", err)
	}

	missing := &FleetKey{KeyPath: filepath.Join(t.TempDir(), "absent")}
	if _, err := NewResolver(missing).Resolve(h); !errors.Is(err, ErrCredentialUnavailable) {
		t.Errorf("missing fleet key: expected ErrCredentialUnavailable, got %v", err)
	}
}

func TestFleetKey(t *testing.T) {
	p := filepath.Join(t.TempDir(), "id_fleet")
	f := &FleetKey{KeyPath: p}

	if _, err := f.DefaultCredential(); err == nil {
		t.Fatal("expected error before the key exists")
	}

	if err := os.WriteFile(p, []byte(testKeyPEM(t)), 0600); err != nil {
		t.Fatal(err)
	}
	cred, err := f.DefaultCredential()
	if err != nil {
		t.Fatalf("key should be picked up after install: %v", err)
	}
	if cred.Kind != KindKey || cred.PEM == "" || len(cred.Signers) != 1 {
		t.Errorf("unexpected credential %+v", cred)
	}

	pub, err := f.AuthorizedKey()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") {
		t.Errorf("unexpected authorized key %q", pub)
	}
}

func TestDescribe(t *testing.T) {
	if got := (Credential{Kind: KindKey, Origin: FromDefault}).Describe(); got != "key (default)" {
		t.Errorf("got %q", got)
	}
	if got := (Credential{Kind: KindPassword, Origin: FromHost}).Describe(); got != "password" {
		t.Errorf("got %q", got)
	}
}

func TestFleetKeyPublicKeyPath(t *testing.T) {
	dir := t.TempDir()
	f := &FleetKey{KeyPath: filepath.Join(dir, "absent"), PublicKeyPath: filepath.Join(dir, "fleet.pub")}
	if _, err := f.AuthorizedKey(); !errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("missing public key: %v", err)
	}

	signer, err := ssh.ParsePrivateKey([]byte(testKeyPEM(t)))
	if err != nil {
		t.Fatal(err)
	}
	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(f.PublicKeyPath, pub, 0644); err != nil {
		t.Fatal(err)
	}
	got, err := f.AuthorizedKey()
	if err != nil || got != string(pub) {
		t.Errorf("got %q, %v", got, err)
	}
}
