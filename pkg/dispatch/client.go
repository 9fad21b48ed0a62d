// Package dispatch assembles an execd dispatcher from a configuration file
// and offers blocking helpers for library and CLI use.
//
// Example Usage:
//
//	d, err := dispatch.New(&dispatch.Config{ConfigPath: "/etc/execd/config.toml"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close()
//
//	res, err := d.Exec(ctx, []string{"web"}, "uptime", dispatch.WithParallel(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Print(res.Output)
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liliang-cn/execd/pkg/audit"
	"github.com/liliang-cn/execd/pkg/credential"
	"github.com/liliang-cn/execd/pkg/executor"
	"github.com/liliang-cn/execd/pkg/inventory"
	"github.com/liliang-cn/execd/pkg/logger"
	"github.com/liliang-cn/execd/pkg/policy"
	"github.com/liliang-cn/execd/pkg/registry"
	"github.com/liliang-cn/execd/pkg/ssh"
)

// DefaultPollInterval is how often Wait reads the run registry.
const DefaultPollInterval = 200 * time.Millisecond

// Dispatch owns a dispatcher and everything it was built from.
type Dispatch struct {
	inv        *inventory.Inventory
	dispatcher *executor.Dispatcher
	registry   registry.Registry
	audit      audit.Recorder
	log        *logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Config overrides parts of the configuration file.
type Config struct {
	ConfigPath string // empty uses ~/.execd/config.toml
	SSH        *SSHConfig
	Exec       *ExecConfig
	// Logger replaces the one described by the [log] section.
	Logger *logger.Logger
}

// SSHConfig overrides [ssh].
type SSHConfig struct {
	User    string
	Port    int
	KeyPath string
	Timeout int // seconds
}

// ExecConfig overrides [exec].
type ExecConfig struct {
	Parallel int
	Timeout  int // seconds per host
	Shell    string
}

// New loads the configuration and builds the dispatcher.
func New(cfg *Config) (*Dispatch, error) {
	configPath := ""
	if cfg != nil {
		configPath = cfg.ConfigPath
	}

	inv, err := inventory.New(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory: %w", err)
	}

	var log *logger.Logger
	if cfg != nil {
		applyOverrides(inv.GetConfig(), cfg)
		log = cfg.Logger
	}
	return NewWithInventory(inv, log)
}

func applyOverrides(c *inventory.Config, cfg *Config) {
	if s := cfg.SSH; s != nil {
		if s.User != "" {
			c.SSH.User = s.User
		}
		if s.Port > 0 {
			c.SSH.Port = s.Port
		}
		if s.KeyPath != "" {
			c.SSH.KeyPath = s.KeyPath
		}
		if s.Timeout > 0 {
			c.SSH.Timeout = fmt.Sprintf("%ds", s.Timeout)
		}
	}
	if e := cfg.Exec; e != nil {
		if e.Parallel > 0 {
			c.Exec.Parallel = e.Parallel
		}
		if e.Timeout > 0 {
			c.Exec.Timeout = fmt.Sprintf("%ds", e.Timeout)
		}
		if e.Shell != "" {
			c.Exec.Shell = e.Shell
		}
	}
}

// NewWithInventory builds the dispatcher described by inv. A nil log is
// built from the [log] section.
func NewWithInventory(inv *inventory.Inventory, log *logger.Logger) (*Dispatch, error) {
	c := inv.GetConfig()
	if log == nil {
		log = logger.New(&logger.Config{
			Level:    c.Log.Level,
			Output:   c.Log.Output,
			NoColor:  c.Log.NoColor,
			ShowTime: c.Log.ShowTime,
		})
	}

	reg, err := openRegistry(c, log)
	if err != nil {
		return nil, err
	}
	rec, err := openAudit(c)
	if err != nil {
		reg.Close()
		return nil, err
	}

	dialer := ssh.DefaultDialer
	if c.SSH.KnownHostsPath != "" {
		if dialer, err = ssh.NewDialer(c.SSH.KnownHostsPath, c.SSH.StrictHostKey); err != nil {
			reg.Close()
			rec.Close()
			return nil, fmt.Errorf("known hosts: %w", err)
		}
	}

	d, err := executor.New(executor.Options{
		Registry: reg,
		Audit:    rec,
		Fleet: &credential.FleetKey{
			KeyPath:       c.SSH.KeyPath,
			PublicKeyPath: c.SSH.PublicKeyPath,
			UseAgent:      c.SSH.UseAgent,
		},
		Dialer: dialer,
		Policy: policy.New(policy.Defaults{
			HostTimeout:    c.HostTimeout(),
			Parallelism:    c.Exec.Parallel,
			AbortOnFailure: c.Exec.AbortOnFailure,
		}),
		Logger:          log,
		Workers:         c.Pool.Workers,
		Queue:           c.Pool.Queue,
		ConnectTimeout:  c.ConnectTimeout(),
		Shell:           c.Exec.Shell,
		WorkDir:         inventory.ExpandPath(c.Exec.WorkDir),
		AnsiblePlaybook: c.Exec.AnsiblePlaybook,
	})
	if err != nil {
		reg.Close()
		rec.Close()
		return nil, err
	}

	return &Dispatch{inv: inv, dispatcher: d, registry: reg, audit: rec, log: log}, nil
}

func openRegistry(c *inventory.Config, log *logger.Logger) (registry.Registry, error) {
	switch c.Registry.Backend {
	case "", "memory":
		m := registry.NewMemory(
			registry.WithTTL(c.RegistryTTL()),
			registry.WithSweepInterval(c.SweepInterval()),
			registry.WithLogger(log),
		)
		m.Start()
		return m, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), c.ConnectTimeout())
		defer cancel()
		return registry.NewRedis(ctx, registry.RedisOptions{
			Address:  c.Registry.Redis.Address,
			Password: c.Registry.Redis.Password,
			DB:       c.Registry.Redis.DB,
			Prefix:   c.Registry.Redis.Prefix,
			TTL:      c.RegistryTTL(),
		})
	}
	return nil, fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
}

func openAudit(c *inventory.Config) (audit.Recorder, error) {
	switch c.Audit.Backend {
	case "sqlite":
		return audit.OpenSQLite(inventory.ExpandPath(c.Audit.Path))
	case "memory":
		return audit.NewMemory(), nil
	case "", "none":
		return audit.Discard{}, nil
	}
	return nil, fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
}

// Dispatcher returns the underlying dispatcher.
func (d *Dispatch) Dispatcher() *executor.Dispatcher { return d.dispatcher }

// Inventory returns the host directory.
func (d *Dispatch) Inventory() *inventory.Inventory { return d.inv }

// Logger returns the logger the dispatcher writes to.
func (d *Dispatch) Logger() *logger.Logger { return d.log }

// Shutdown drains in-flight runs until ctx expires, then releases the
// registry and the audit store.
func (d *Dispatch) Shutdown(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closeErr = d.dispatcher.Shutdown(ctx)
		if err := d.registry.Close(); err != nil && d.closeErr == nil {
			d.closeErr = err
		}
		if err := d.audit.Close(); err != nil && d.closeErr == nil {
			d.closeErr = err
		}
	})
	return d.closeErr
}

// Close is Shutdown bounded by the configured shutdown timeout.
func (d *Dispatch) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.inv.GetConfig().ShutdownTimeout())
	defer cancel()
	return d.Shutdown(ctx)
}
