/*

This file loads the per-program definitions from a YAML file. A program is
one incentive stream (e.g. borrower incentives for one token) with its own
emission rate, store mode, checkpoint and asset table.

The asset table is the single data-driven source for address -> symbol and
decimals lookups; nothing else in the system hardcodes token metadata.

*/

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store mode values for a program.
const (
	StoreModeSnapshot   = "snapshot"
	StoreModeCumulative = "cumulative"
)

// Participant role values for a program.
const (
	RoleBorrower  = "borrower"
	RoleDepositor = "depositor"
)

// ProgramsConf holds the top-level structure of the programs file.
type ProgramsConf struct {
	Programs []Program `yaml:"programs"`
}

// Program defines one incentive stream.
type Program struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"` // "borrower" or "depositor"

	// Emission: RatePerPeriod reward tokens are paid out per PeriodSeconds,
	// distributed in interval-sized slices every IntervalSeconds.
	RatePerPeriod   float64 `yaml:"rate_per_period"`
	PeriodSeconds   int64   `yaml:"period_seconds"`
	IntervalSeconds int64   `yaml:"interval_seconds"`

	// StoreMode selects the persistence strategy: "snapshot" keeps one
	// record per (account, interval), "cumulative" also folds each run into
	// a running per-account total.
	StoreMode string `yaml:"store_mode"`

	// Fetch tuning.
	PageSize            int     `yaml:"page_size"`
	BatchSize           int     `yaml:"batch_size"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
	FetchTimeoutSeconds int     `yaml:"fetch_timeout_seconds"`
	StoreTimeoutSeconds int     `yaml:"store_timeout_seconds"`

	// Reconciliation.
	ReconcileWindowHours int     `yaml:"reconcile_window_hours"`
	ReconcileThreshold   float64 `yaml:"reconcile_threshold"`

	// HealthcheckURL is the ping URL for this program; empty disables pings.
	HealthcheckURL string `yaml:"healthcheck_url"`

	Assets []Asset `yaml:"assets"`
}

// Asset maps a ledger asset address to its symbol and base-unit decimals.
type Asset struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// LoadPrograms reads the programs YAML file and validates every program.
func LoadPrograms(path string) ([]Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read programs file: %w", err)
	}

	var conf ProgramsConf
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("cannot parse programs YAML: %w", err)
	}

	if len(conf.Programs) == 0 {
		return nil, errors.New("programs file defines no programs")
	}

	seen := make(map[string]bool)
	for i := range conf.Programs {
		p := &conf.Programs[i]
		applyProgramDefaults(p)
		if err := validateProgram(*p); err != nil {
			return nil, fmt.Errorf("program %q: %w", p.Name, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate program name: %s", p.Name)
		}
		seen[p.Name] = true
	}

	return conf.Programs, nil
}

// applyProgramDefaults fills tuning fields left unset in the YAML.
func applyProgramDefaults(p *Program) {
	if p.PageSize == 0 {
		p.PageSize = 1000
	}
	if p.BatchSize == 0 {
		p.BatchSize = 100
	}
	if p.RequestsPerSecond == 0 {
		p.RequestsPerSecond = 50
	}
	if p.FetchTimeoutSeconds == 0 {
		p.FetchTimeoutSeconds = 60
	}
	if p.StoreTimeoutSeconds == 0 {
		p.StoreTimeoutSeconds = 15
	}
	if p.ReconcileWindowHours == 0 {
		p.ReconcileWindowHours = 24
	}
	if p.ReconcileThreshold == 0 {
		p.ReconcileThreshold = 1e-6
	}
}

// validateProgram enforces the constraints a program must satisfy before
// any run is allowed to use it.
func validateProgram(p Program) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name cannot be empty")
	}
	if p.Role != RoleBorrower && p.Role != RoleDepositor {
		return fmt.Errorf("role must be %q or %q, got %q", RoleBorrower, RoleDepositor, p.Role)
	}
	if p.StoreMode != StoreModeSnapshot && p.StoreMode != StoreModeCumulative {
		return fmt.Errorf("store_mode must be %q or %q, got %q", StoreModeSnapshot, StoreModeCumulative, p.StoreMode)
	}
	if p.RatePerPeriod <= 0 {
		return fmt.Errorf("rate_per_period must be positive, got %f", p.RatePerPeriod)
	}
	if p.PeriodSeconds <= 0 {
		return fmt.Errorf("period_seconds must be positive, got %d", p.PeriodSeconds)
	}
	if p.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be positive, got %d", p.IntervalSeconds)
	}
	if p.BatchSize < 1 || p.BatchSize > 500 {
		return fmt.Errorf("batch_size must be between 1 and 500, got %d", p.BatchSize)
	}
	if p.PageSize < 1 {
		return fmt.Errorf("page_size must be positive, got %d", p.PageSize)
	}
	// Defaults only fill zero values, so a negative in the YAML would
	// otherwise survive and configure a limiter that never admits.
	if p.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be positive, got %f", p.RequestsPerSecond)
	}
	if p.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch_timeout_seconds must be positive, got %d", p.FetchTimeoutSeconds)
	}
	if p.StoreTimeoutSeconds <= 0 {
		return fmt.Errorf("store_timeout_seconds must be positive, got %d", p.StoreTimeoutSeconds)
	}
	if p.ReconcileWindowHours <= 0 {
		return fmt.Errorf("reconcile_window_hours must be positive, got %d", p.ReconcileWindowHours)
	}
	if p.ReconcileThreshold <= 0 {
		return fmt.Errorf("reconcile_threshold must be positive, got %f", p.ReconcileThreshold)
	}
	if len(p.Assets) == 0 {
		return errors.New("at least one asset is required")
	}

	seenAddr := make(map[string]bool)
	for _, a := range p.Assets {
		if strings.TrimSpace(a.Symbol) == "" {
			return errors.New("asset symbol cannot be empty")
		}
		if strings.TrimSpace(a.Address) == "" {
			return fmt.Errorf("asset %s has empty address", a.Symbol)
		}
		if a.Decimals < 0 || a.Decimals > 18 {
			return fmt.Errorf("asset %s has invalid decimals: %d", a.Symbol, a.Decimals)
		}
		if seenAddr[a.Address] {
			return fmt.Errorf("duplicate asset address: %s", a.Address)
		}
		seenAddr[a.Address] = true
	}

	return nil
}

// AssetByAddress returns the program's asset table keyed by ledger address.
func (p Program) AssetByAddress() map[string]Asset {
	m := make(map[string]Asset, len(p.Assets))
	for _, a := range p.Assets {
		m[a.Address] = a
	}
	return m
}

// Symbols returns the distinct price symbols the program needs.
func (p Program) Symbols() []string {
	seen := make(map[string]bool, len(p.Assets))
	symbols := make([]string, 0, len(p.Assets))
	for _, a := range p.Assets {
		if !seen[a.Symbol] {
			seen[a.Symbol] = true
			symbols = append(symbols, a.Symbol)
		}
	}
	return symbols
}

// ExpectedRatePerHour converts the program's emission rate to an hourly
// rate, the unit the reconciliation check works in.
func (p Program) ExpectedRatePerHour() float64 {
	return p.RatePerPeriod * 3600.0 / float64(p.PeriodSeconds)
}
