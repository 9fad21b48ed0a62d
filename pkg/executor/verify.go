package executor

import (
	"context"
	"errors"
	"time"

	"github.com/liliang-cn/execd/pkg/credential"
	"github.com/liliang-cn/execd/pkg/ssh"
	"github.com/liliang-cn/execd/pkg/task"
)

// Verification error codes shown to operators.
const (
	CodePasswordUnsupported = "E00"
	CodeKeyUnsupported      = "E01"
	CodeKeyStillRejected    = "E02"
)

const installKeyTimeout = 30 * time.Second

// VerifyError is a host verification failure with an operator facing
// message.
type VerifyError struct {
	Code    string
	Message string
	Err     error
}

func (e *VerifyError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *VerifyError) Unwrap() error { return e.Err }

// Verify checks that the host can be reached with key authentication.
//
// A host carrying its own key is verified with that key alone. Otherwise,
// when password is set, the fleet public key is installed over a password
// session first. Finally a fleet key login is attempted. Verify returns
// false with no error when the fleet key is not authorized and no
// password was given to install it.
func (d *Dispatcher) Verify(ctx context.Context, h task.HostConnectionDescriptor, password string) (bool, error) {
	if err := h.Validate(); err != nil {
		return false, &task.ValidationError{Field: "host", Reason: err.Error()}
	}
	log := d.log.WithField("host", h.Label())

	if h.PrivateKey != "" {
		cred, err := credential.KeyCredential(h.PrivateKey)
		if err != nil {
			return false, &VerifyError{Message: "the uploaded private key cannot be parsed", Err: err}
		}
		if err := d.tryLogin(ctx, h, cred); err != nil {
			log.Warn("verify with host key: %v", err)
			switch {
			case errors.Is(err, ssh.ErrAuthMethodUnsupported):
				return false, &VerifyError{Code: CodeKeyUnsupported, Message: "the host does not accept key authentication", Err: err}
			case errors.Is(err, ssh.ErrCredentialRejected):
				return false, &VerifyError{Message: "the uploaded private key was rejected, check that it is authorized on the host", Err: err}
			}
			return false, connectFailure(err)
		}
		return true, nil
	}

	if d.fleet == nil {
		return false, &VerifyError{Message: "no fleet key configured", Err: credential.ErrCredentialUnavailable}
	}

	if password != "" {
		if err := d.installFleetKey(ctx, h, password); err != nil {
			log.Warn("install fleet key: %v", err)
			switch {
			case errors.Is(err, ssh.ErrAuthMethodUnsupported):
				return false, &VerifyError{Code: CodePasswordUnsupported, Message: "the host does not accept password authentication", Err: err}
			case errors.Is(err, ssh.ErrCredentialRejected):
				return false, &VerifyError{Message: "password authentication failed, check the password", Err: err}
			}
			return false, connectFailure(err)
		}
	}

	cred, err := d.fleet.DefaultCredential()
	if err != nil {
		return false, &VerifyError{Message: "the fleet key cannot be loaded", Err: err}
	}
	if err := d.tryLogin(ctx, h, cred); err != nil {
		log.Warn("verify with fleet key: %v", err)
		switch {
		case errors.Is(err, ssh.ErrAuthMethodUnsupported):
			return false, &VerifyError{Code: CodeKeyUnsupported, Message: "the host does not accept key authentication", Err: err}
		case errors.Is(err, ssh.ErrCredentialRejected):
			if password != "" {
				return false, &VerifyError{Code: CodeKeyStillRejected, Message: "key authentication still fails after installing the fleet key", Err: err}
			}
			return false, nil
		}
		return false, connectFailure(err)
	}
	log.Info("host verified")
	return true, nil
}

func (d *Dispatcher) tryLogin(ctx context.Context, h task.HostConnectionDescriptor, cred credential.Credential) error {
	sess, err := d.dialer.Open(ctx, h.Address, h.Port, h.Username, cred, d.connectTimeout)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Ping()
}

func (d *Dispatcher) installFleetKey(ctx context.Context, h task.HostConnectionDescriptor, password string) error {
	pub, err := d.fleet.AuthorizedKey()
	if err != nil {
		return err
	}
	cred := credential.Credential{Kind: credential.KindPassword, Origin: credential.FromHost, Password: password}
	sess, err := d.dialer.Open(ctx, h.Address, h.Port, h.Username, cred, d.connectTimeout)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.AddPublicKey(ctx, pub, installKeyTimeout)
}

func connectFailure(err error) *VerifyError {
	if errors.Is(err, ssh.ErrConnectTimeout) {
		return &VerifyError{Message: "connection timed out, check the network and that the port is reachable", Err: err}
	}
	return &VerifyError{Message: err.Error(), Err: err}
}
