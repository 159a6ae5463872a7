// Vectaixd relays chat turns to LLM providers with live SSE streaming,
// optional multi-round web research, and a three-model council mode.
//
// Usage:
//
//	vectaixd serve       Start the relay server
//	vectaixd version     Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/Noah-Wu66/vectaix-relay/internal/api"
	"github.com/Noah-Wu66/vectaix-relay/internal/buildinfo"
	"github.com/Noah-Wu66/vectaix-relay/internal/config"
	"github.com/Noah-Wu66/vectaix-relay/internal/council"
	"github.com/Noah-Wu66/vectaix-relay/internal/fetch"
	"github.com/Noah-Wu66/vectaix-relay/internal/oracle"
	"github.com/Noah-Wu66/vectaix-relay/internal/provider"
	"github.com/Noah-Wu66/vectaix-relay/internal/research"
	"github.com/Noah-Wu66/vectaix-relay/internal/search"
	"github.com/Noah-Wu66/vectaix-relay/internal/store"
	"github.com/Noah-Wu66/vectaix-relay/internal/turn"
)

// main constructs the OS-level environment and delegates to run so the
// full lifecycle stays testable.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag surface is one flag and two
// commands.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "vectaixd - LLM chat relay with live research and council mode")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vectaixd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Start the relay server")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe is the primary operating mode: load config, open the store,
// wire providers, research, and council, then serve until a signal.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting vectaixd",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "vectaix.db")
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		return fmt.Errorf("open conversation database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("conversation database opened", "path", dbPath)

	// Provider adapters. A family without an API key is simply not
	// registered; requests routed to it fail inside the stream.
	registry := provider.NewRegistry()
	if cfg.Providers.Gemini.APIKey != "" {
		registry.Register(provider.NewGemini(cfg.Providers.Gemini.APIKey, cfg.Providers.Gemini.BaseURL, logger))
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		registry.Register(provider.NewOpenAI(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, logger))
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		registry.Register(provider.NewAnthropic(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.BaseURL, logger))
	}

	// Research loop: decision oracle + search + reader. Only wired when
	// a search provider key is present.
	var researcher *research.Orchestrator
	if cfg.Search.APIKey != "" {
		decider, err := registry.ForModel(cfg.Decision.Model)
		if err != nil {
			return fmt.Errorf("decision model %s: %w", cfg.Decision.Model, err)
		}
		orc := oracle.New(decider, cfg.Decision.Model, cfg.Decision.MaxTokens, logger)

		mgr := search.NewManager(cfg.Search.Provider)
		mgr.Register(search.NewBrave(cfg.Search.APIKey))

		researcher = research.New(orc, mgr, fetch.NewFetcher(), cfg.Search.Language, logger)
		logger.Info("web research enabled", "provider", cfg.Search.Provider, "decision_model", cfg.Decision.Model)
	} else {
		logger.Warn("web research disabled (no search provider configured)")
	}

	controller := turn.NewController(st, researcher, logger)
	defaultGen := turn.NewProviderGenerator(registry)

	var councilGen turn.Generator
	if len(cfg.Council.Models) > 0 {
		councilGen, err = council.New(registry, cfg.Council.Models, cfg.Council.Synthesizer, logger)
		if err != nil {
			return fmt.Errorf("council: %w", err)
		}
		logger.Info("council enabled", "models", cfg.Council.Models, "synthesizer", cfg.Council.Synthesizer)
	} else {
		logger.Info("council disabled (no models configured)")
	}

	addr := net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port))
	server := api.NewServer(addr, controller, defaultGen, councilGen, st, config.Heartbeat, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("vectaixd stopped")
	return nil
}

// newLogger standardizes the slog handler across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
