// Package main provides the aide CLI entrypoint.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aide-dev/aide/internal/config"
	"github.com/aide-dev/aide/internal/render"
	"github.com/aide-dev/aide/internal/sandbox"
)

var (
	version = "0.1.0"
	pretty  = true
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aide",
		Short: "aide - AI developer with a sandboxed executor",
		Long: `aide: an AI developer that plans, runs commands in a sandbox and
remembers your preferences across projects.

Usage modes:
  aide              Start an interactive chat session (current directory)
  aide serve        Run the executor daemon
  aide <command>    Run a specific aide command (see below)

Use 'aide status' to check the executor.
Use 'aide help' for the full command list.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runChat(config.Env().SessionID); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", true, "Pretty print output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "executor", Title: "Executor:"},
		&cobra.Group{ID: "client", Title: "Client:"},
	)

	serve := serveCmd()
	serve.GroupID = "executor"
	rootCmd.AddCommand(serve)

	chat := chatCmd()
	chat.GroupID = "client"
	rootCmd.AddCommand(chat)

	pc := prefsCmd()
	pc.GroupID = "client"
	rootCmd.AddCommand(pc)

	sc := searchCmd()
	sc.GroupID = "client"
	rootCmd.AddCommand(sc)

	rootCmd.AddCommand(statusCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aide %s\n", version)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show executor status",
		Run: func(cmd *cobra.Command, args []string) {
			network, addr := executorAddr()

			reachable := false
			if conn, err := net.DialTimeout(network, addr, 2*time.Second); err == nil {
				reachable = true
				conn.Close()
			}

			runtimeName := config.Env().Runtime
			if runtimeName == "" {
				if eng, err := sandbox.NewEngine(sandbox.NewOSRunner()); err == nil {
					runtimeName = eng.Name()
				} else {
					runtimeName = "unavailable"
				}
			}

			r := render.New(pretty)
			fmt.Print(r.Status(addr, reachable, runtimeName))
		},
	}
}

// executorAddr resolves the executor endpoint: AIDE_LISTEN as host:port, or
// the default unix socket.
func executorAddr() (network, addr string) {
	if listen := config.Env().Listen; listen != "" {
		return "tcp", listen
	}
	return "unix", config.GetPaths().Socket
}

func dialExecutor() (net.Conn, error) {
	network, addr := executorAddr()
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial executor at %s: %w (is 'aide serve' running?)", addr, err)
	}
	return conn, nil
}
