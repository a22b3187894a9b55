// cellmeshd is the single-writer database daemon. One instance per
// database; concurrent starts collapse to first-wins via the
// health-check-first startup protocol.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cellmesh/cellmesh/internal/client"
	"github.com/cellmesh/cellmesh/internal/configfile"
	"github.com/cellmesh/cellmesh/internal/daemon"
	"github.com/cellmesh/cellmesh/internal/rpc"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		projectPath string
		dbPath      string
		socketPath  string
		tcpAddr     string
	)

	cmd := &cobra.Command{
		Use:   "cellmeshd",
		Short: "cellmesh coordination daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetEnvPrefix("CELLMESH")
			v.AutomaticEnv()

			if projectPath == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				projectPath = cwd
			}
			if dbPath == "" {
				dbPath = v.GetString("db_path")
			}
			if socketPath == "" {
				socketPath = v.GetString("socket_path")
			}
			if tcpAddr == "" {
				tcpAddr = v.GetString("tcp_addr")
			}

			settings, err := configfile.LoadSettings()
			if err != nil {
				return err
			}
			if socketPath == "" {
				socketPath = settings.SocketPath
			}

			opts := daemon.Options{
				ProjectPath: projectPath,
				DBPath:      dbPath,
				Logger:      log.New(os.Stderr, "cellmeshd: ", log.LstdFlags),
			}
			switch {
			case tcpAddr != "":
				host, port, err := splitHostPort(tcpAddr)
				if err != nil {
					return err
				}
				opts.Endpoint = rpc.TCPEndpoint(host, port)
			case socketPath != "":
				opts.Endpoint = rpc.UnixEndpoint(socketPath)
			}

			d, err := daemon.New(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			endpoint, alreadyRunning, err := d.Start(ctx)
			if err != nil {
				return err
			}
			if alreadyRunning {
				fmt.Printf("daemon already serving at %s\n", endpoint)
				return nil
			}

			<-ctx.Done()
			d.Stop(context.Background())
			return nil
		},
	}

	cmd.Flags().StringVar(&projectPath, "project", "", "project root (defaults to the working directory)")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (defaults to "+client.EnvDBPath+" or the global store)")
	cmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path override")
	cmd.Flags().StringVar(&tcpAddr, "tcp", "", "loopback TCP host:port override")
	return cmd
}

func splitHostPort(addr string) (string, int, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port, err := strconv.Atoi(addr[i+1:])
			if err != nil {
				return "", 0, fmt.Errorf("invalid tcp address %q: %w", addr, err)
			}
			return addr[:i], port, nil
		}
	}
	port, err := strconv.Atoi(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid tcp address %q", addr)
	}
	return "", port, nil
}
