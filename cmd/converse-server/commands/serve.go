package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/converse-ai/converse/internal/audio"
	"github.com/converse-ai/converse/internal/config"
	"github.com/converse-ai/converse/internal/event"
	"github.com/converse-ai/converse/internal/fanout"
	"github.com/converse-ai/converse/internal/index"
	"github.com/converse-ai/converse/internal/logging"
	"github.com/converse-ai/converse/internal/provider"
	"github.com/converse-ai/converse/internal/rendezvous"
	"github.com/converse-ai/converse/internal/run"
	"github.com/converse-ai/converse/internal/server"
	"github.com/converse-ai/converse/internal/state"
	"github.com/converse-ai/converse/internal/storage"
	"github.com/converse-ai/converse/internal/ws"
	"github.com/converse-ai/converse/pkg/types"
)

var (
	servePort      int
	serveDirectory string
	serveDataDir   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the converse server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Server port")
	serveCmd.Flags().StringVarP(&serveDirectory, "directory", "d", "", "Working directory")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Data directory (default: XDG data home)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// .env is optional; missing files are not an error.
	godotenv.Load()

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(logLevel),
		Pretty: prettyLog,
	})

	workDir, err := GetWorkDir(serveDirectory)
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("create data directories: %w", err)
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Info().
		Str("version", Version).
		Str("directory", workDir).
		Msg("starting converse server")

	dataDir := serveDataDir
	if dataDir == "" {
		dataDir = paths.StoragePath()
	}

	bus := event.NewBus()
	defer bus.Close()

	var events *event.Store
	if cfg.EventLog {
		events = event.NewStore(bus)
	}

	store := state.NewStore()
	fan := fanout.NewRegistry()
	idx := index.New(storage.New(dataDir), events)
	matcher := rendezvous.New(0)

	registry := provider.NewRegistry()
	registry.Register(provider.NewHosted(cfg.Provider, cfg.Model))
	registry.Register(provider.NewExternal(cfg.CallbackBaseURL))
	for _, kind := range []string{types.ProviderClaudeCLI, types.ProviderCodexCLI, types.ProviderGeminiCLI} {
		cli, err := provider.NewCLI(kind)
		if err != nil {
			return fmt.Errorf("initialize %s provider: %w", kind, err)
		}
		registry.Register(cli)
	}

	var synth audio.Synthesizer
	var audioCfg types.AudioConfig
	if cfg.Audio != nil {
		audioCfg = *cfg.Audio
		if audioCfg.Endpoint != "" {
			synth = audio.NewHTTPSynthesizer(audioCfg.Endpoint, audioCfg.APIKey, audioCfg.Voice)
		}
	}

	engine := run.NewEngine(run.Options{
		Store:        store,
		Index:        idx,
		Providers:    registry,
		Fanout:       fan,
		Agents:       cfg.Agent,
		DefaultModel: cfg.Model,
		RateLimit:    cfg.RateLimit,
		Events:       events,
		Matcher:      matcher,
		Audio:        audioCfg,
		Synth:        synth,
	})

	wsHandler := ws.NewHandler(ws.Deps{
		State:  store,
		Index:  idx,
		Engine: engine,
		Fanout: fan,
		Events: events,
	})

	serverCfg := server.DefaultConfig()
	serverCfg.Port = servePort
	srv := server.New(serverCfg, wsHandler, store, fan)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logging.Info().Msg("server stopped")
	return nil
}
