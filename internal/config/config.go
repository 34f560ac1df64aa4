// Package config handles configuration loading and validation.
//
// Values are layered, later layers winning: built-in defaults, an optional
// .env file, an optional YAML file, process environment variables, and
// finally command-line overrides applied by the caller.
package config

import (
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/votebot/internal/network"
	"github.com/gateway-fm/votebot/internal/retry"
	"github.com/gateway-fm/votebot/pkg/types"
)

// Funding modes.
const (
	FundingSequential = "sequential"
	FundingParallel   = "parallel"
)

// Config holds the harness configuration.
type Config struct {
	RPCURL          string
	ChainID         uint64 // 0 = query eth_chainId
	NetworkProfile  string
	ContractAddress string

	FundingPrivateKey string
	FundingAmount     *big.Int
	FundingMode       string
	SkipFunding       bool

	BackendURL    string
	BackendAPIKey string

	BatchSize      int
	BatchDelay     time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// RetryJitter adds up to this fraction of each backoff delay at random.
	RetryJitter     float64
	RequestInterval time.Duration
	RPCRateLimit    float64

	GasPriceMultiplier  float64
	GasPriceFallback    *big.Int
	GasLimitBuffer      float64
	GasLimitFallback    uint64
	Confirmations       uint64 // 0 = profile default
	ConfirmTimeout      time.Duration
	SecurityAttemptVote bool

	Counts             types.RoleCounts
	VotersPerElection  int // 0 = all eligible identities
	ElectionStartDelay time.Duration
	ElectionDuration   time.Duration
	MaxStartWait       time.Duration

	DatabasePath string
	ListenAddr   string
	LogLevel     string

	// Profile is resolved from NetworkProfile by Validate.
	Profile *network.Profile
}

// Defaults
const (
	DefaultRPCURL             = "http://localhost:8545"
	DefaultNetworkProfile     = "anvil"
	DefaultBackendURL         = "http://localhost:3000/api"
	DefaultBatchSize          = 5
	DefaultBatchDelay         = 2 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBaseDelay     = time.Second
	DefaultRetryMaxDelay      = 30 * time.Second
	DefaultRetryJitter        = 0.5
	DefaultRequestInterval    = 100 * time.Millisecond
	DefaultGasPriceMultiplier = 1.1
	DefaultGasLimitBuffer     = 1.2
	DefaultGasLimitFallback   = 3_000_000
	DefaultConfirmTimeout     = 60 * time.Second
	DefaultCreators           = 2
	DefaultEligible           = 10
	DefaultIneligible         = 3
	DefaultStartDelay         = 30 * time.Second
	DefaultElectionDuration   = time.Hour
	DefaultMaxStartWait       = 5 * time.Minute
	DefaultDatabasePath       = "./data/votebot.db"
	DefaultLogLevel           = "info"
)

var (
	// DefaultFundingAmount is 0.05 ETH.
	DefaultFundingAmount = big.NewInt(50_000_000_000_000_000)
	// DefaultGasPriceFallback is 2 gwei.
	DefaultGasPriceFallback = big.NewInt(2_000_000_000)
)

// Default returns a config populated with built-in defaults.
func Default() *Config {
	return &Config{
		RPCURL:              DefaultRPCURL,
		NetworkProfile:      DefaultNetworkProfile,
		FundingAmount:       new(big.Int).Set(DefaultFundingAmount),
		FundingMode:         FundingSequential,
		BackendURL:          DefaultBackendURL,
		BatchSize:           DefaultBatchSize,
		BatchDelay:          DefaultBatchDelay,
		MaxRetries:          DefaultMaxRetries,
		RetryBaseDelay:      DefaultRetryBaseDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		RetryJitter:         DefaultRetryJitter,
		RequestInterval:     DefaultRequestInterval,
		GasPriceMultiplier:  DefaultGasPriceMultiplier,
		GasPriceFallback:    new(big.Int).Set(DefaultGasPriceFallback),
		GasLimitBuffer:      DefaultGasLimitBuffer,
		GasLimitFallback:    DefaultGasLimitFallback,
		ConfirmTimeout:      DefaultConfirmTimeout,
		SecurityAttemptVote: true,
		Counts: types.RoleCounts{
			Creators:   DefaultCreators,
			Eligible:   DefaultEligible,
			Ineligible: DefaultIneligible,
		},
		ElectionStartDelay: DefaultStartDelay,
		ElectionDuration:   DefaultElectionDuration,
		MaxStartWait:       DefaultMaxStartWait,
		DatabasePath:       DefaultDatabasePath,
		LogLevel:           DefaultLogLevel,
	}
}

// Overrides are command-line values applied on top of the loaded layers.
// Nil pointers leave the loaded value untouched.
type Overrides struct {
	Creators     *int
	Eligible     *int
	Ineligible   *int
	SkipFunding  bool
	ListenAddr   *string
	LogLevel     *string
	DatabasePath *string
	RPCURL       *string
	BackendURL   *string
}

// Apply merges o into c.
func (c *Config) Apply(o Overrides) {
	if o.Creators != nil {
		c.Counts.Creators = *o.Creators
	}
	if o.Eligible != nil {
		c.Counts.Eligible = *o.Eligible
	}
	if o.Ineligible != nil {
		c.Counts.Ineligible = *o.Ineligible
	}
	if o.SkipFunding {
		c.SkipFunding = true
	}
	if o.ListenAddr != nil {
		c.ListenAddr = *o.ListenAddr
	}
	if o.LogLevel != nil {
		c.LogLevel = *o.LogLevel
	}
	if o.DatabasePath != nil {
		c.DatabasePath = *o.DatabasePath
	}
	if o.RPCURL != nil {
		c.RPCURL = *o.RPCURL
	}
	if o.BackendURL != nil {
		c.BackendURL = *o.BackendURL
	}
}

// Validate checks required keys and ranges and resolves the network profile.
// Missing required configuration is fatal for the run.
func (c *Config) Validate() error {
	if err := validateURL("RPC_URL", c.RPCURL); err != nil {
		return err
	}
	if err := validateURL("BACKEND_URL", c.BackendURL); err != nil {
		return err
	}
	if c.ContractAddress == "" {
		return fmt.Errorf("CONTRACT_ADDRESS is required")
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("CONTRACT_ADDRESS %q is not a valid address", c.ContractAddress)
	}

	if !c.SkipFunding {
		if c.FundingPrivateKey == "" {
			return fmt.Errorf("FUNDING_PRIVATE_KEY is required unless funding is skipped")
		}
		if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.FundingPrivateKey, "0x")); err != nil {
			return fmt.Errorf("FUNDING_PRIVATE_KEY is invalid: %w", err)
		}
		if c.FundingAmount == nil || c.FundingAmount.Sign() <= 0 {
			return fmt.Errorf("FUNDING_AMOUNT_WEI must be positive")
		}
	}
	switch c.FundingMode {
	case FundingSequential, FundingParallel:
	default:
		return fmt.Errorf("FUNDING_MODE must be %q or %q, got %q", FundingSequential, FundingParallel, c.FundingMode)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative")
	}
	if c.BatchDelay < 0 || c.RetryBaseDelay < 0 || c.RequestInterval < 0 || c.MaxStartWait < 0 {
		return fmt.Errorf("delays cannot be negative")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must not be below RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be between 0 and 1")
	}
	if c.RPCRateLimit < 0 {
		return fmt.Errorf("RPC_RATE_LIMIT cannot be negative")
	}
	if c.GasPriceMultiplier <= 0 {
		return fmt.Errorf("GAS_PRICE_MULTIPLIER must be positive")
	}
	if c.GasLimitBuffer < 1 {
		return fmt.Errorf("GAS_LIMIT_BUFFER must be at least 1.0")
	}
	if c.GasLimitFallback == 0 {
		return fmt.Errorf("GAS_LIMIT_FALLBACK must be positive")
	}
	if c.GasPriceFallback == nil || c.GasPriceFallback.Sign() <= 0 {
		return fmt.Errorf("GAS_PRICE_FALLBACK_WEI must be positive")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive")
	}
	if err := c.Counts.Validate(); err != nil {
		return err
	}
	if c.VotersPerElection < 0 || c.VotersPerElection > c.Counts.Eligible {
		return fmt.Errorf("VOTERS_PER_ELECTION must be between 0 and NUM_ELIGIBLE (%d)", c.Counts.Eligible)
	}
	if c.ElectionDuration <= 0 {
		return fmt.Errorf("ELECTION_DURATION must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	c.Profile = network.DefaultRegistry().Get(c.NetworkProfile)
	if c.Profile == nil {
		return fmt.Errorf("unknown network profile: %s (supported: %s)",
			c.NetworkProfile, strings.Join(network.DefaultRegistry().Names(), ", "))
	}
	return nil
}

// EffectiveConfirmations returns CONFIRMATIONS or the profile default.
func (c *Config) EffectiveConfirmations() uint64 {
	if c.Confirmations > 0 {
		return c.Confirmations
	}
	if c.Profile != nil {
		return c.Profile.DefaultConfirmations
	}
	return 1
}

// RetryPolicy returns the bounded backoff policy shared by the clients and agents.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryBaseDelay,
		MaxDelay:   c.RetryMaxDelay,
		Jitter:     c.RetryJitter,
	}
}

// ParseLogLevel maps debug|info|warn|error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q (debug, info, warn, error)", s)
}

// Redacted returns a copy safe to log.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"rpcUrl":        c.RPCURL,
		"chainId":       c.ChainID,
		"network":       c.NetworkProfile,
		"contract":      c.ContractAddress,
		"backendUrl":    c.BackendURL,
		"fundingMode":   c.FundingMode,
		"fundingAmount": c.FundingAmount.String(),
		"skipFunding":   c.SkipFunding,
		"batchSize":     c.BatchSize,
		"batchDelay":    c.BatchDelay.String(),
		"maxRetries":    c.MaxRetries,
		"counts":        c.Counts,
	}
}

func validateURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q is not a valid URL", key, raw)
	}
	return nil
}
