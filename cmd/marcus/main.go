// Marcus — coordination server for autonomous coding agents.
//
// Usage:
//
//	marcus [serve] [-config path]     run the coordinator (HTTP + WebSocket)
//	marcus stdio [-config path]       serve the agent toolset on stdin/stdout
//	marcus console [-addr url] [-key token]
//	                                  interactive operator console
//	marcus version
//
// Configuration comes from the YAML file (default ~/.marcus/config.yaml)
// with MARCUS_* environment overrides.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/marcus-ai/marcus/pkg/app"
	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/logger"
)

const version = "1.0.0"

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe(args, false))
	case "stdio":
		os.Exit(runServe(args, true))
	case "console":
		os.Exit(runConsole(args))
	case "version":
		fmt.Printf("marcus %s\n", version)
	case "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
}

func usage(out *os.File) {
	fmt.Fprintln(out, "Marcus — coordination server for autonomous coding agents")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  serve    run the coordinator (default)")
	fmt.Fprintln(out, "  stdio    serve the agent toolset on stdin/stdout")
	fmt.Fprintln(out, "  console  interactive operator console")
	fmt.Fprintln(out, "  version  print the version")
}

// defaultConfigPath points at the state directory; a missing file means
// defaults plus environment overrides.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".marcus", "config.yaml")
}

func runServe(args []string, stdio bool) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "path to config.yaml")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marcus: %v\n", err)
		return 1
	}

	container, err := app.NewContainer(cfg, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marcus: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if stdio {
		err := container.ServeStdio(ctx)
		container.Stop()
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "marcus: %v\n", err)
			return 1
		}
		return 0
	}

	if err := container.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "marcus: %v\n", err)
		container.Stop()
		return 1
	}

	logger.InfoCF("main", "Marcus ready", map[string]interface{}{
		"version": version,
		"addr":    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"kanban":  cfg.Kanban.Provider,
	})

	<-ctx.Done()
	logger.InfoC("main", "Shutdown signal received")
	container.Stop()
	return 0
}
