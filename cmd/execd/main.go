package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/execd/pkg/dispatch"
	"github.com/liliang-cn/execd/pkg/logger"
	"github.com/liliang-cn/execd/pkg/task"
)

var (
	Version = "dev" // Set at build time

	configPath string
	parallel   int
	timeout    int
	logLevel   string
	noColor    bool
	sequential bool
	abort      bool
	envVars    []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "execd",
		Short:   "Run commands, scripts and playbooks on many hosts over SSH",
		Version: Version,
		Long: `execd - Execute work on multiple servers via SSH

Examples:
  execd exec --hosts web -- "uptime"
  execd script --hosts db --file ./backup.sh --interpreter bash
  execd copy --hosts web --src nginx.conf --dest /etc/nginx/nginx.conf --mode 0644
  execd playbook --hosts web --file site.yml --extra-vars vars.yml
  execd verify --host 10.0.0.5 --user root --password secret
  execd remote --addr 127.0.0.1:50051 --target root@10.0.0.5 -- "uptime"`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.execd/config.toml)")
	rootCmd.PersistentFlags().IntVarP(&parallel, "parallel", "p", 0, "Hosts in flight (default: from config)")
	rootCmd.PersistentFlags().IntVarP(&timeout, "timeout", "t", 0, "Per host timeout in seconds (default: from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Strip colors from run output")
	rootCmd.PersistentFlags().BoolVar(&sequential, "sequential", false, "Run hosts one after another")
	rootCmd.PersistentFlags().BoolVar(&abort, "abort-on-failure", false, "Skip remaining hosts after the first failure")
	rootCmd.PersistentFlags().StringArrayVarP(&envVars, "env", "e", nil, "Parameter NAME=VALUE, repeatable")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(scriptCmd())
	rootCmd.AddCommand(copyCmd())
	rootCmd.AddCommand(playbookCmd())
	rootCmd.AddCommand(hostsCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		if st, ok := err.(*statusError); ok {
			os.Exit(st.exitCode())
		}
		os.Exit(1)
	}
}

// statusError reports a run that finished without succeeding.
type statusError struct {
	status task.Status
}

func (e *statusError) Error() string { return fmt.Sprintf("run finished with status %d", e.status.Code()) }

func (e *statusError) exitCode() int {
	if c := e.status.Code(); c > 0 && c < 256 {
		return c
	}
	return 1
}

// getDispatch builds the dispatcher from the config file and flags.
func getDispatch() (*dispatch.Dispatch, error) {
	cfg := &dispatch.Config{ConfigPath: configPath}
	if parallel > 0 || timeout > 0 {
		cfg.Exec = &dispatch.ExecConfig{Parallel: parallel, Timeout: timeout}
	}
	if logLevel != "" {
		cfg.Logger = logger.New(&logger.Config{Level: logLevel, Output: "stderr"})
	}
	d, err := dispatch.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return d, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func parseEnv() (map[string]string, error) {
	if len(envVars) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(envVars))
	for _, kv := range envVars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, expected NAME=VALUE", kv)
		}
		params[k] = v
	}
	return params, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

var ansi = regexp.MustCompile("\x1b\\[[0-9;]*m")

// printer writes run output to stdout, without colors when stdout is not
// a terminal or --no-color is set.
func printer() func(string) {
	plain := noColor || !(isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	return func(chunk string) {
		if plain {
			chunk = ansi.ReplaceAllString(chunk, "")
			chunk = strings.ReplaceAll(chunk, "\r\n", "\n")
		}
		fmt.Print(chunk)
	}
}

// commonOptions turns the persistent flags into run options.
func commonOptions() ([]dispatch.ExecOption, error) {
	params, err := parseEnv()
	if err != nil {
		return nil, err
	}
	opts := []dispatch.ExecOption{
		dispatch.WithSubmitter(currentUser()),
		dispatch.WithStreamCallback(printer()),
	}
	if params != nil {
		opts = append(opts, dispatch.WithEnv(params))
	}
	if parallel > 0 {
		opts = append(opts, dispatch.WithParallel(parallel))
	}
	if timeout > 0 {
		opts = append(opts, dispatch.WithTimeout(time.Duration(timeout)*time.Second))
	}
	if sequential {
		opts = append(opts, dispatch.WithSequential())
	}
	if abort {
		opts = append(opts, dispatch.WithAbortOnFailure(true))
	}
	return opts, nil
}

type runFunc func(ctx context.Context, d *dispatch.Dispatch, opts []dispatch.ExecOption) (*dispatch.Result, error)

// runAndReport builds the dispatcher, runs fn and maps the final status
// to the process exit code.
func runAndReport(fn runFunc, extra ...dispatch.ExecOption) error {
	opts, err := commonOptions()
	if err != nil {
		return err
	}
	opts = append(opts, extra...)

	d, err := getDispatch()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := fn(ctx, d, opts)
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return &statusError{status: res.Status}
	}
	return nil
}
