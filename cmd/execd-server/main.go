package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/liliang-cn/execd/pkg/dispatch"
	"github.com/liliang-cn/execd/pkg/rpc"
	"github.com/liliang-cn/execd/pkg/server"
)

var (
	Version = "dev" // Set at build time

	httpAddr   string
	grpcAddr   string
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "execd-server",
		Short:   "execd HTTP and gRPC server",
		Version: Version,
		RunE:    runServer,
	}

	rootCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (default from config, :8080)")
	rootCmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address (default from config, :50051); \"off\" disables it")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of execd-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("execd-server version %s\n", Version)
		},
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	d, err := dispatch.New(&dispatch.Config{ConfigPath: configPath})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	cfg := d.Inventory().GetConfig()
	log := d.Logger()

	if httpAddr == "" {
		httpAddr = cfg.Server.HTTPAddr
	}
	if grpcAddr == "" {
		grpcAddr = cfg.Server.GRPCAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := server.New(d.Dispatcher(), server.Options{
		Directory:       d.Inventory(),
		SubmitterHeader: cfg.Server.SubmitterHeader,
		Logger:          log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpSrv.Run(gctx, httpAddr)
	})

	if grpcAddr != "" && grpcAddr != "off" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			stop()
			g.Wait()
			d.Close()
			return fmt.Errorf("failed to listen: %w", err)
		}

		grpcServer := grpc.NewServer(
			grpc.MaxRecvMsgSize(100*1024*1024), // 100MB
			grpc.MaxSendMsgSize(100*1024*1024),
		)
		rpc.Register(grpcServer, rpc.NewServer(d.Dispatcher(), log))
		reflection.Register(grpcServer)

		g.Go(func() error {
			log.Info("grpc listening on %s", grpcAddr)
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(10 * time.Second):
				log.Warn("grpc graceful stop timed out, forcing stop")
				grpcServer.Stop()
			}
			return nil
		})
	}

	serveErr := g.Wait()
	log.Info("shutting down, draining runs for up to %v", cfg.ShutdownTimeout())
	if err := d.Close(); err != nil {
		log.Warn("shutdown: %v", err)
	}
	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	fmt.Fprintln(os.Stderr, "execd-server stopped")
	return nil
}
