package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/liliang-cn/execd/pkg/audit"
	"github.com/liliang-cn/execd/pkg/dispatch"
	"github.com/liliang-cn/execd/pkg/rpc"
	"github.com/liliang-cn/execd/pkg/task"
)

// joinArgs lets users write either -- "ls -la" or -- ls -la.
func joinArgs(command string, args []string) string {
	if command == "" && len(args) > 0 {
		command = strings.Join(args, " ")
	}
	return command
}

// execCmd executes a command line
func execCmd() *cobra.Command {
	var hosts []string
	var command string

	cmd := &cobra.Command{
		Use:   "exec [OPTIONS] -- COMMAND",
		Short: "Execute a command on multiple hosts",
		Example: `  execd exec --hosts web -- "uptime"
  execd exec --hosts "host1,host2" -p 5 -e VERSION=2 -- 'echo "$VERSION"'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			command = joinArgs(command, args)
			if command == "" {
				return fmt.Errorf("command is required")
			}
			if len(hosts) == 0 {
				return fmt.Errorf("--hosts is required")
			}
			return runAndReport(func(ctx context.Context, d *dispatch.Dispatch, opts []dispatch.ExecOption) (*dispatch.Result, error) {
				return d.Exec(ctx, hosts, command, opts...)
			})
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Host group or comma-separated host list (required)")
	cmd.Flags().StringVar(&command, "command", "", "Command to execute (use -- to separate flags)")

	return cmd
}

func scriptCmd() *cobra.Command {
	var hosts []string
	var file, interpreter string

	cmd := &cobra.Command{
		Use:     "script [OPTIONS]",
		Short:   "Upload and run a script on multiple hosts",
		Example: `  execd script --hosts db --file ./backup.sh --interpreter bash`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			if len(hosts) == 0 {
				return fmt.Errorf("--hosts is required")
			}
			body, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return runAndReport(func(ctx context.Context, d *dispatch.Dispatch, opts []dispatch.ExecOption) (*dispatch.Result, error) {
				return d.Script(ctx, hosts, string(body), opts...)
			}, dispatch.WithInterpreter(interpreter))
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Host group or comma-separated host list (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Local script file (required)")
	cmd.Flags().StringVar(&interpreter, "interpreter", "", "Interpreter on the remote host (default: sh)")

	return cmd
}

func copyCmd() *cobra.Command {
	var hosts []string
	var src, dest, mode string

	cmd := &cobra.Command{
		Use:   "copy [OPTIONS]",
		Short: "Send a file to multiple hosts",
		Example: `  execd copy --src ./nginx.conf --dest /etc/nginx/nginx.conf --hosts web
  execd copy -s app.conf -d /etc/app/app.conf --hosts "host1,host2" --mode 0600`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if src == "" {
				return fmt.Errorf("--src is required")
			}
			if dest == "" {
				return fmt.Errorf("--dest is required")
			}
			if len(hosts) == 0 {
				return fmt.Errorf("--hosts is required")
			}
			perm, err := strconv.ParseUint(mode, 8, 32)
			if err != nil || perm > 0o7777 {
				return fmt.Errorf("invalid --mode %q", mode)
			}
			content, err := os.ReadFile(src)
			if err != nil {
				return err
			}
			return runAndReport(func(ctx context.Context, d *dispatch.Dispatch, opts []dispatch.ExecOption) (*dispatch.Result, error) {
				return d.Copy(ctx, hosts, content, dest, opts...)
			}, dispatch.WithMode(uint32(perm)))
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Host group or comma-separated host list (required)")
	cmd.Flags().StringVarP(&src, "src", "s", "", "Local source file (required)")
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "Remote destination path (required)")
	cmd.Flags().StringVar(&mode, "mode", "0644", "File mode, octal")

	return cmd
}

func playbookCmd() *cobra.Command {
	var hosts []string
	var file, extraVars string

	cmd := &cobra.Command{
		Use:     "playbook [OPTIONS]",
		Short:   "Run an Ansible playbook against multiple hosts",
		Example: `  execd playbook --hosts web --file site.yml --extra-vars vars.yml -e release=42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			if len(hosts) == 0 {
				return fmt.Errorf("--hosts is required")
			}
			body, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var extra []dispatch.ExecOption
			if extraVars != "" {
				vars, err := os.ReadFile(extraVars)
				if err != nil {
					return err
				}
				extra = append(extra, dispatch.WithExtraVars(string(vars)))
			}
			return runAndReport(func(ctx context.Context, d *dispatch.Dispatch, opts []dispatch.ExecOption) (*dispatch.Result, error) {
				return d.Playbook(ctx, hosts, string(body), opts...)
			}, extra...)
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Host group or comma-separated host list (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Playbook file (required)")
	cmd.Flags().StringVar(&extraVars, "extra-vars", "", "YAML file of extra variables")

	return cmd
}

func hostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List all hosts and groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := getDispatch()
			if err != nil {
				return err
			}
			defer d.Close()
			inv := d.Inventory()

			fmt.Println("Host Groups:")
			fmt.Println()
			groups := inv.GetAllGroups()
			for _, name := range inv.GroupNames() {
				fmt.Printf("  [%s]\n", name)
				for _, host := range groups[name] {
					fmt.Printf("    - %s\n", host)
				}
				fmt.Println()
			}

			config := inv.GetConfig()
			fmt.Printf("SSH Config:\n")
			fmt.Printf("  User: %s\n", config.SSH.User)
			fmt.Printf("  Port: %d\n", config.SSH.Port)
			fmt.Printf("  Key: %s\n", config.SSH.KeyPath)
			fmt.Printf("\n")
			fmt.Printf("Exec Config:\n")
			fmt.Printf("  Parallel: %d\n", config.Exec.Parallel)
			fmt.Printf("  Timeout: %v\n", config.HostTimeout())
			fmt.Printf("  Shell: %s\n", config.Exec.Shell)

			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	var host, username, password, keyFile string
	var port int

	cmd := &cobra.Command{
		Use:   "verify [OPTIONS]",
		Short: "Check key authentication to a host, installing the fleet key first",
		Example: `  execd verify --host 10.0.0.5 --user root --password secret
  execd verify --host 10.0.0.5 --user deploy --key ./deploy_rsa`,
		RunE: func(cmd *cobra.Command, args []string) error {
			h := task.HostConnectionDescriptor{Address: host, Port: port, Username: username}
			if keyFile != "" {
				pem, err := os.ReadFile(keyFile)
				if err != nil {
					return err
				}
				h.PrivateKey = string(pem)
			}
			h.UseDefault = h.PrivateKey == ""

			d, err := getDispatch()
			if err != nil {
				return err
			}
			defer d.Close()
			ctx, cancel := signalContext()
			defer cancel()

			ok, err := d.Verify(ctx, h, password)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: the fleet key is not authorized, retry with --password to install it", h.Label())
			}
			fmt.Printf("%s: key authentication works\n", h.Label())
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host address (required)")
	cmd.Flags().IntVar(&port, "port", 22, "SSH port")
	cmd.Flags().StringVarP(&username, "user", "u", "root", "SSH user")
	cmd.Flags().StringVar(&password, "password", "", "Password used to install the fleet key")
	cmd.Flags().StringVar(&keyFile, "key", "", "Verify with this private key instead of the fleet key")

	return cmd
}

func historyCmd() *cobra.Command {
	var kind, submitter string
	var limit int

	cmd := &cobra.Command{
		Use:   "history [OPTIONS]",
		Short: "Show recent submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := audit.Query{Submitter: submitter, Limit: limit}
			if kind != "" {
				k, err := task.ParseKind(kind)
				if err != nil {
					return err
				}
				q.Kind = k
			}

			d, err := getDispatch()
			if err != nil {
				return err
			}
			defer d.Close()

			rows, err := d.Dispatcher().History(context.Background(), q)
			if err != nil {
				return err
			}
			for _, r := range rows {
				body := strings.SplitN(r.Body, "\n", 2)[0]
				if len(body) > 60 {
					body = body[:57] + "..."
				}
				fmt.Printf("%s  %-8s %-10s %s  %s\n", r.CreatedAt.Local().Format(time.DateTime), r.Kind, r.Submitter, r.Token, body)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only this kind: shell, script, playbook or transfer")
	cmd.Flags().StringVar(&submitter, "user", "", "Only this submitter")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")

	return cmd
}

// remoteCmd submits to a running execd-server over gRPC and streams the
// output back.
func remoteCmd() *cobra.Command {
	var addr, command, kind string
	var targets []string

	cmd := &cobra.Command{
		Use:     "remote [OPTIONS] -- COMMAND",
		Short:   "Run a command through an execd-server",
		Example: `  execd remote --addr 127.0.0.1:50051 --target root@10.0.0.5 --target deploy@10.0.0.6:2222 -- uptime`,
		RunE: func(cmd *cobra.Command, args []string) error {
			command = joinArgs(command, args)
			if command == "" {
				return fmt.Errorf("command is required")
			}
			if len(targets) == 0 {
				return fmt.Errorf("--target is required")
			}
			k, err := task.ParseKind(kind)
			if err != nil {
				return err
			}
			params, err := parseEnv()
			if err != nil {
				return err
			}
			req := &task.TaskRequest{Kind: k, Body: command, Params: params}
			for _, t := range targets {
				h, err := parseTarget(t)
				if err != nil {
					return err
				}
				req.Hosts = append(req.Hosts, h)
			}
			if sequential {
				req.Policy.Ordering = task.Sequential
			}
			if abort {
				req.Policy.AbortOnFailure = &abort
			}
			req.Policy.Parallel = parallel
			req.Policy.Timeout = time.Duration(timeout) * time.Second

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer conn.Close()
			client := rpc.NewClient(conn, currentUser())

			ctx, cancel := signalContext()
			defer cancel()

			token, err := client.Submit(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "token %s\n", token)
			st, err := client.Watch(ctx, token, printer())
			if err != nil {
				return err
			}
			if st != task.StatusSucceeded {
				return &statusError{status: st}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:50051", "execd-server gRPC address")
	cmd.Flags().StringArrayVar(&targets, "target", nil, "user@host[:port], repeatable (required)")
	cmd.Flags().StringVar(&command, "command", "", "Command to execute (use -- to separate flags)")
	cmd.Flags().StringVar(&kind, "kind", "shell", "shell or script")

	return cmd
}

// parseTarget parses user@host[:port]. The server's fleet key is used.
func parseTarget(s string) (task.HostConnectionDescriptor, error) {
	h := task.HostConnectionDescriptor{Port: 22, UseDefault: true}
	userPart, hostPart, ok := strings.Cut(s, "@")
	if !ok {
		return h, fmt.Errorf("invalid target %q, expected user@host[:port]", s)
	}
	h.Username = userPart
	h.Address = hostPart
	if i := strings.LastIndex(hostPart, ":"); i > 0 && !strings.Contains(hostPart[:i], ":") {
		port, err := strconv.Atoi(hostPart[i+1:])
		if err != nil {
			return h, fmt.Errorf("invalid port in target %q", s)
		}
		h.Address, h.Port = hostPart[:i], port
	}
	return h, h.Validate()
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of execd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("execd version %s\n", Version)
		},
	}
}
