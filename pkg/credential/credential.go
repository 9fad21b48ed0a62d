// Package credential turns a host descriptor into SSH authentication
// material.
//
// Precedence is fixed: key material carried by the host, then the host's
// password, then the fleet default supplied by a DefaultSource. Hosts
// marked UseDefault go straight to the fleet default. Resolution fails
// with ErrCredentialUnavailable only when none of them yields anything
// usable.
package credential

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/liliang-cn/execd/pkg/task"
)

// ErrCredentialUnavailable is returned when no source yields material.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// Kind is the authentication path a credential takes.
type Kind int

const (
	KindKey Kind = iota + 1
	KindPassword
)

func (k Kind) String() string {
	switch k {
	case KindKey:
		return "key"
	case KindPassword:
		return "password"
	}
	return "none"
}

// Origin says where the material came from.
type Origin string

const (
	FromHost    Origin = "host"
	FromDefault Origin = "default"
)

// Credential is resolved authentication material for one host.
type Credential struct {
	Kind     Kind
	Origin   Origin
	Signers  []ssh.Signer
	Password string
	// PEM is the private key text for KindKey credentials that came from
	// key material, empty for agent signers. Playbook runs write it to a
	// key file referenced by the inventory.
	PEM string
}

// AuthMethods returns the ssh auth methods for the credential.
func (c Credential) AuthMethods() []ssh.AuthMethod {
	switch c.Kind {
	case KindKey:
		return []ssh.AuthMethod{ssh.PublicKeys(c.Signers...)}
	case KindPassword:
		pw := c.Password
		return []ssh.AuthMethod{
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		}
	}
	return nil
}

// Describe is the short form used in run output, e.g. "key (default)".
func (c Credential) Describe() string {
	if c.Origin == FromDefault {
		return c.Kind.String() + " (default)"
	}
	return c.Kind.String()
}

// DefaultSource supplies the fleet-wide default credential.
type DefaultSource interface {
	DefaultCredential() (Credential, error)
}

// Resolver resolves host credentials. The zero value has no fleet default.
type Resolver struct {
	defaults DefaultSource
}

// NewResolver creates a resolver. defaults may be nil.
func NewResolver(defaults DefaultSource) *Resolver {
	return &Resolver{defaults: defaults}
}

// Resolve applies the precedence to h. Malformed key material does not
// stop resolution; the next source is tried and the parse error is only
// reported if every source fails. When h.UseDefault is set the host's own
// key and password are ignored.
func (r *Resolver) Resolve(h task.HostConnectionDescriptor) (Credential, error) {
	var reasons []string

	if !h.UseDefault {
		if strings.TrimSpace(h.PrivateKey) != "" {
			signer, err := ParsePrivateKey(h.PrivateKey)
			if err == nil {
				return Credential{Kind: KindKey, Origin: FromHost, Signers: []ssh.Signer{signer}, PEM: h.PrivateKey}, nil
			}
			reasons = append(reasons, err.Error())
		}

		if h.Password != "" {
			return Credential{Kind: KindPassword, Origin: FromHost, Password: h.Password}, nil
		}
	}

	if r != nil && r.defaults != nil {
		cred, err := r.defaults.DefaultCredential()
		if err == nil {
			cred.Origin = FromDefault
			return cred, nil
		}
		reasons = append(reasons, err.Error())
	} else {
		reasons = append(reasons, "no fleet default configured")
	}

	return Credential{}, fmt.Errorf("%w for %s: %s", ErrCredentialUnavailable, h.Label(), strings.Join(reasons, "; "))
}

// ParsePrivateKey parses PEM or OpenSSH key text.
func ParsePrivateKey(pem string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(pem))
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key is passphrase protected")
		}
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return signer, nil
}

// KeyCredential builds a host key credential from PEM text.
func KeyCredential(pem string) (Credential, error) {
	signer, err := ParsePrivateKey(pem)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Kind: KindKey, Origin: FromHost, Signers: []ssh.Signer{signer}, PEM: pem}, nil
}
