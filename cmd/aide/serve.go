package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aide-dev/aide/internal/config"
	"github.com/aide-dev/aide/internal/logging"
	"github.com/aide-dev/aide/internal/orchestrator"
	"github.com/aide-dev/aide/internal/planner"
	"github.com/aide-dev/aide/internal/prefs"
	"github.com/aide-dev/aide/internal/runtime"
	"github.com/aide-dev/aide/internal/sandbox"
)

func serveCmd() *cobra.Command {
	var (
		listen     string
		grace      time.Duration
		ackTimeout time.Duration
		projectDir string
		memoryMB   int
		cpus       float64
		cmdTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the executor daemon",
		Long: `Run the executor: accepts front-end connections, drives sessions and
provisions sandboxes. Listens on a unix socket by default, or on
host:port when --listen or AIDE_LISTEN is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New("serve")

			env := config.Env()
			if listen == "" {
				listen = env.Listen
			}

			var ln net.Listener
			var err error
			if listen != "" {
				ln, err = net.Listen("tcp", listen)
			} else {
				socket := config.GetPaths().Socket
				if err := config.EnsureDir(config.GetPaths().Home); err != nil {
					return err
				}
				// A previous run may have left the socket behind.
				os.Remove(socket)
				ln, err = net.Listen("unix", socket)
			}
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}

			store, err := prefs.Open(config.GetPaths().Data, env.AutoApplyThreshold)
			if err != nil {
				return fmt.Errorf("open preference store: %w", err)
			}

			engine, err := sandbox.NewEngine(sandbox.NewOSRunner())
			if err != nil {
				return fmt.Errorf("sandbox engine: %w", err)
			}

			if projectDir == "" {
				projectDir, _ = os.Getwd()
			}

			p := planner.WithRetry(planner.NewOpenAI())

			orch := orchestrator.New(orchestrator.Config{
				GracePeriod: grace,
				AckTimeout:  ackTimeout,
				ProjectDir:  projectDir,
				Limits: sandbox.Limits{
					CPUs:           cpus,
					MemoryMB:       memoryMB,
					CommandTimeout: cmdTimeout,
				},
			}, p, engine, store)

			runtime.ListenForSignals()
			runtime.OnShutdownSimple("listener", func() { ln.Close() })

			log.Info("starting", map[string]any{
				"addr":    ln.Addr().String(),
				"runtime": engine.Name(),
			})

			// Serve returns after every session has wound down, so the
			// store can close safely here.
			err = orch.Serve(runtime.ShutdownContext(), ln)
			store.Close()
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address host:port (default: unix socket)")
	cmd.Flags().DurationVar(&grace, "grace", 0, "Park grace period for disconnected sessions (default: AIDE_GRACE_PERIOD)")
	cmd.Flags().DurationVar(&ackTimeout, "ack-timeout", 0, "Auto-acknowledge unconfirmed plans after this long (0 = wait for the user)")
	cmd.Flags().StringVar(&projectDir, "project-dir", "", "Project directory seeded into sandboxes (default: cwd)")
	cmd.Flags().IntVar(&memoryMB, "memory", 2048, "Sandbox memory limit in MB")
	cmd.Flags().Float64Var(&cpus, "cpus", 2, "Sandbox CPU limit")
	cmd.Flags().DurationVar(&cmdTimeout, "cmd-timeout", 10*time.Minute, "Per-command timeout")

	return cmd
}
