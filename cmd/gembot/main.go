// Package main wires the engagement bot together: config, stores,
// governor, queue, browser coordinator and the orchestrator loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/PeterMinsch/gem-approval/pkg/bot/composer"
	"github.com/PeterMinsch/gem-approval/pkg/bot/coordinator"
	"github.com/PeterMinsch/gem-approval/pkg/bot/extraction"
	"github.com/PeterMinsch/gem-approval/pkg/bot/governor"
	"github.com/PeterMinsch/gem-approval/pkg/bot/orchestrator"
	"github.com/PeterMinsch/gem-approval/pkg/bot/queue"
	"github.com/PeterMinsch/gem-approval/pkg/config"
	"github.com/PeterMinsch/gem-approval/pkg/logging"
)

const version = "0.1.0"

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigFile      string
	FeedURL         string
	ShutdownTimeout time.Duration
	ShowVersion     bool
}

func main() {
	cliConfig := parseFlags()

	if cliConfig.ShowVersion {
		fmt.Printf("gembot v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cliConfig); err != nil {
		cancel()
		log.Printf("Execution failed: %v", err)
		os.Exit(1)
	}
	cancel()
}

func parseFlags() *CLIConfig {
	cliConfig := &CLIConfig{}

	flag.StringVar(&cliConfig.ConfigFile, "config", "gembot.yaml", "Path to configuration file (YAML)")
	flag.StringVar(&cliConfig.FeedURL, "feed", "", "Feed URL (overrides config file)")
	flag.DurationVar(&cliConfig.ShutdownTimeout, "shutdown-timeout", 5*time.Minute, "How long to wait for an in-flight post on shutdown")
	flag.BoolVar(&cliConfig.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "gembot - engagement bot with human approval gating\n\n")
		fmt.Fprintf(os.Stderr, "Usage: gembot [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return cliConfig
}

func run(ctx context.Context, cliConfig *CLIConfig) error {
	cfg, err := config.Load(cliConfig.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cliConfig.FeedURL != "" {
		cfg.FeedURL = cliConfig.FeedURL
	}

	logger, err := logging.NewLogger("gembot")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	recordStore, err := queue.NewFileStore(filepath.Join(cfg.StorageDir, "records.json"))
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	q, err := queue.New(recordStore,
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithBackoff(cfg.Queue.BackoffBase.Std(), cfg.Queue.BackoffCap.Std()),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	defer q.Stop()

	blacklist, err := governor.NewBlacklist(cfg.Blacklist)
	if err != nil {
		return fmt.Errorf("invalid blacklist: %w", err)
	}
	ledger, err := governor.NewFileLedger(filepath.Join(cfg.StorageDir, "ledger.jsonl"))
	if err != nil {
		return fmt.Errorf("failed to open audit ledger: %w", err)
	}
	gov, err := governor.New(cfg.Slots(), blacklist,
		governor.WithMinActionInterval(cfg.Governor.MinActionInterval.Std()),
		governor.WithCircuit(cfg.Governor.CircuitThreshold, cfg.Governor.CircuitCooldown.Std()),
		governor.WithLedger(ledger),
		governor.WithSlotStore(governor.NewFileSlotStore(filepath.Join(cfg.StorageDir, "identities.json"))),
		governor.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create governor: %w", err)
	}

	driver, err := coordinator.NewPlaywrightDriver(coordinator.DriverOptions{
		Headless:         cfg.Headless,
		StorageStatePath: cfg.StorageStatePath,
	})
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	coord := coordinator.New(driver, coordinator.WithLogger(logger))
	defer coord.Close()

	seen, err := orchestrator.NewSeenSet(filepath.Join(cfg.StorageDir, "seen.json"))
	if err != nil {
		return fmt.Errorf("failed to load seen set: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Queue:           q,
		Governor:        gov,
		Browser:         coord,
		Extractor:       extraction.NewSelectorExtractor(cfg.Selectors.Feed),
		Composer:        buildComposer(cfg, logger),
		Seen:            seen,
		Logger:          logger,
		FeedURL:         cfg.FeedURL,
		ScanInterval:    cfg.Loops.ScanInterval.Std(),
		ClaimWait:       cfg.Loops.ClaimWait.Std(),
		DenialWait:      cfg.Loops.DenialWait.Std(),
		ExecuteTimeout:  cfg.Loops.ExecuteTimeout.Std(),
		NavigateTimeout: cfg.Loops.NavigateTimeout.Std(),
		PostSelectors:   cfg.Selectors.Post,
		PostTimings:     cfg.PostTimings(),
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}
	logger.Infof("gembot v%s running, feed=%s", version, cfg.FeedURL)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliConfig.ShutdownTimeout)
	defer cancel()
	return orch.Shutdown(shutdownCtx)
}

// buildComposer picks the model-backed composer when a model and API
// key are configured, falling back to templates otherwise.
func buildComposer(cfg *config.Config, logger *logging.Logger) composer.Composer {
	if cfg.Composer.Model != "" && os.Getenv("OPENAI_API_KEY") != "" {
		opts := []composer.OpenAIOption{composer.WithModel(cfg.Composer.Model)}
		if cfg.Composer.SystemPrompt != "" {
			opts = append(opts, composer.WithSystemPrompt(cfg.Composer.SystemPrompt))
		}
		if cfg.Composer.MaxPromptTokens > 0 {
			opts = append(opts, composer.WithMaxPromptTokens(cfg.Composer.MaxPromptTokens))
		}
		c, err := composer.NewOpenAIComposer("", opts...)
		if err == nil {
			return c
		}
		logger.Warnf("model composer unavailable, using templates: %v", err)
	}
	return composer.NewTemplateComposer(cfg.Composer.Templates)
}
