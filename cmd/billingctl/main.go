// Command billingctl is the operator tool for the entitlement backend.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/entitlement-engine/backend/internal/config"
	"github.com/PortNumber53/entitlement-engine/backend/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "billingctl",
	Short:         "Operator commands for the entitlement backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd, eventsCmd, accountCmd)
}

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)
	logging.Init(logging.Config{Format: "console", Level: os.Getenv("LOG_LEVEL"), Component: "billingctl"})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("billingctl failed")
		os.Exit(1)
	}
}

// openDB loads configuration and returns a reachable database handle.
func openDB(ctx context.Context) (config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return config.Config{}, nil, fmt.Errorf("ping database: %w", err)
	}
	return cfg, db, nil
}
