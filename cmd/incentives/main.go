package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/deltalend/incentives/internal/config"
	"github.com/deltalend/incentives/internal/datafetcher"
	"github.com/deltalend/incentives/internal/engine"
	"github.com/deltalend/incentives/internal/healthcheck"
	"github.com/deltalend/incentives/internal/logger"
	"github.com/deltalend/incentives/internal/state"
	"github.com/deltalend/incentives/internal/web"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// main is the entry point for the incentive allocation pipeline.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("Incentive allocation pipeline starting...")

	// Initialize Database Connection
	dbCfg := state.DBConfig{
		Host: os.Getenv("DB_HOST"), Port: config.GetEnvAsIntOr("DB_PORT", 5432),
		User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
		DBName: os.Getenv("DB_NAME"), SSLMode: config.GetEnvOr("DB_SSLMODE", "disable"),
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// Load incentive program definitions
	programs, err := config.LoadPrograms(config.ProgramsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", config.ProgramsFile).Msg("Failed to load programs")
	}
	log.Info().Int("programs", len(programs)).Msg("Program definitions loaded")

	// --- 2. Start Web Server ---
	webPort := config.GetEnvOr("WEB_PORT", "8080")

	webServer := web.NewWebServer(webPort)
	go func() {
		log.Info().Str("port", webPort).Msg("Starting web API")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 3. Build and start one engine per program ---
	var wg sync.WaitGroup
	for _, program := range programs {
		ledger, err := datafetcher.NewLedgerClient(config.LedgerAPI, config.GraphAPI, program)
		if err != nil {
			log.Fatal().Err(err).Str("program", program.Name).Msg("Failed to create ledger client")
		}

		oracle, err := datafetcher.NewOracleClient(config.OracleAPI)
		if err != nil {
			log.Fatal().Err(err).Str("program", program.Name).Msg("Failed to create oracle client")
		}

		eng, err := engine.New(engine.Config{
			Program:     program,
			Ledger:      ledger,
			Prices:      oracle,
			Store:       state.AllocationStore{},
			Checkpoints: state.CheckpointStore{},
			Runs:        state.RunStore{},
			Notifier:    healthcheck.NewNotifier(program.HealthcheckURL),
		})
		if err != nil {
			log.Fatal().Err(err).Str("program", program.Name).Msg("Failed to create engine")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.RunLoop(ctx)
		}()
	}

	log.Info().Msg("All program engines started")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, waiting for running cycles to finish...")
	wg.Wait()
	log.Info().Msg("Incentive allocation pipeline stopped")
}
