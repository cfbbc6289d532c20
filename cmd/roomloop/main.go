// Command roomloop runs the multi-agent room coordinator: serve hosts the
// full pipeline, console drives the text command surface interactively.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/roomloop/roomloop/pkg/logger"
	"github.com/roomloop/roomloop/pkg/observe"
	"github.com/roomloop/roomloop/pkg/sched"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "roomloop",
		Short: "Coordinate multiple chat agents sharing group conversations",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "roomloop.yaml", "path to config file")

	root.AddCommand(serveCmd(), consoleCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if app.cfg.Sched.Enabled {
				scheduler := sched.New(app.cfg, app.messages)
				go scheduler.Run(ctx)
			}
			if app.cfg.Observe.Enabled {
				feed := observe.New(app.cfg.Observe.Addr, app.bus)
				go feed.Run(ctx)
			}

			logger.InfoCF("main", "Coordinator running", map[string]interface{}{
				"rooms": len(app.cfg.Rooms), "state": app.cfg.StateDir,
			})
			app.runInboundLoop(ctx)

			app.bus.Close()
			logger.InfoC("main", "Coordinator stopped")
			return nil
		},
	}
}

func consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive command console",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			rl, err := readline.New("roomloop> ")
			if err != nil {
				return err
			}
			defer rl.Close()

			for {
				line, err := rl.Readline()
				if err != nil { // io.EOF or interrupt
					return nil
				}
				line = strings.TrimSpace(line)
				if line == "exit" || line == "quit" {
					return nil
				}
				fmt.Println(app.coordinator.HandleCommand(line))
			}
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <room>",
		Short: "One-shot room snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configPath)
			if err != nil {
				return err
			}
			fmt.Println(app.coordinator.HandleCommand("status " + args[0]))
			return nil
		},
	}
}
