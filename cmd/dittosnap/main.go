package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/config"
)

const usage = `DittoSnap - snapshot copy-on-write proxy for block volumes

Usage:
  dittosnap <command> [flags] [args]

Commands:
  init                       Write a default configuration file
  authority                  Serve the reference authority over RPC
  create <snap>              Take a snapshot of the volume
  delete <snap>              Delete a snapshot
  rollback <snap>            Revert the volume to a snapshot
  list                       List the volume's snapshots
  query <snap>               Print a snapshot's status
  diff <first> [last]        Print the block runs changed since first
  read <snap>                Read a byte range of a snapshot
  write                      Write to the volume through the proxy
  gc                         Collect orphaned preserved objects

Every command accepts --config <path>. Run 'dittosnap <command> -h' for its flags.
`

// command is one CLI subcommand. run receives the subcommand's own flag set
// already parsed.
type command struct {
	flags func(fs *flag.FlagSet)
	run   func(ctx context.Context, cfg *config.Config, fs *flag.FlagSet) error

	// noConfig commands run before a config exists (init)
	noConfig bool
}

var commands = map[string]*command{
	"init":      initCommand(),
	"authority": authorityCommand(),
	"create":    createCommand(),
	"delete":    deleteCommand(),
	"rollback":  rollbackCommand(),
	"list":      listCommand(),
	"query":     queryCommand(),
	"diff":      diffCommand(),
	"read":      readCommand(),
	"write":     writeCommand(),
	"gc":        gcCommand(),
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "-h" || name == "--help" || name == "help" {
		fmt.Print(usage)
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/dittosnap/config.yaml)")
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	_ = fs.Parse(os.Args[2:])

	// Create cancellable context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	if !cmd.noConfig {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		if err := setupLogging(&cfg.Logging); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
			os.Exit(1)
		}
	}

	if err := cmd.run(ctx, cfg, fs); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Interrupted")
			os.Exit(130)
		}
		logger.Error("%s: %v", name, err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging applies the logging section to the global logger.
func setupLogging(cfg *config.LoggingConfig) error {
	logger.SetLevel(cfg.Level)
	logger.SetFormat(cfg.Format)
	return logger.SetOutput(cfg.Output)
}

func initCommand() *command {
	var force *bool
	return &command{
		noConfig: true,
		flags: func(fs *flag.FlagSet) {
			force = fs.Bool("force", false, "Overwrite an existing config file")
		},
		run: func(_ context.Context, _ *config.Config, fs *flag.FlagSet) error {
			path := fs.Lookup("config").Value.String()
			if path == "" {
				path = config.GetDefaultConfigPath()
			}
			if err := config.InitConfigToPath(path, *force); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", path)
			fmt.Println("Set volume.name and volume.device.path before running proxy commands.")
			return nil
		},
	}
}
