package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// LedgerAPI is the base URL of the lending ledger query API.
	LedgerAPI string
	// GraphAPI is the base URL of the paginated account graph endpoint.
	GraphAPI string
	// OracleAPI is the base URL of the price oracle.
	OracleAPI string

	// ProgramsFile is the path to the YAML file defining incentive programs.
	ProgramsFile string
)

// LoadConfig loads configuration from environment variables and sets the
// global config vars. All listed environment variables are required.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	LedgerAPI, err = getEnv("LEDGER_API")
	if err != nil {
		return err
	}

	GraphAPI, err = getEnv("GRAPH_API")
	if err != nil {
		return err
	}

	OracleAPI, err = getEnv("ORACLE_API")
	if err != nil {
		return err
	}

	ProgramsFile, err = getEnv("PROGRAMS_FILE")
	if err != nil {
		return err
	}

	log.Debug().
		Str("LedgerAPI", LedgerAPI).
		Str("GraphAPI", GraphAPI).
		Str("OracleAPI", OracleAPI).
		Str("ProgramsFile", ProgramsFile).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// GetEnvOr returns the value of an optional environment variable, falling
// back to def when unset.
func GetEnvOr(key, def string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return def
}

// GetEnvAsIntOr returns an optional integer environment variable, falling
// back to def when unset or invalid.
func GetEnvAsIntOr(key string, def int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return def
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return def
	}
	return value
}
