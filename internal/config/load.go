package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// DefaultEnvFile is read when present in the working directory.
const DefaultEnvFile = ".env"

// Load builds a config from defaults, ./.env, the YAML file at path (if not
// empty) and the process environment. It does not validate; callers apply
// overrides first and then call Validate.
func Load(path string) (*Config, error) {
	return LoadFrom(DefaultEnvFile, path, os.LookupEnv)
}

// LoadFrom is Load with explicit sources. A missing env file is ignored; a
// missing YAML file is an error because it was asked for explicitly.
func LoadFrom(envFile, yamlPath string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if envFile != "" {
		values, err := godotenv.Read(envFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		default:
			if err := cfg.applyValues(values, envFile, false); err != nil {
				return nil, err
			}
		}
	}

	if yamlPath != "" {
		values, err := readYAML(yamlPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyValues(values, yamlPath, true); err != nil {
			return nil, err
		}
	}

	env := make(map[string]string)
	for _, f := range fields {
		if v, ok := lookup(f.key); ok && v != "" {
			env[f.key] = v
		}
	}
	if err := cfg.applyValues(env, "environment", false); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readYAML reads a flat YAML mapping whose keys are the environment variable
// names, matched case-insensitively (rpc_url and RPC_URL are equivalent).
func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

// applyValues sets every recognised key present in values. strict rejects
// unknown keys; .env files commonly carry variables for other tools, YAML
// config files do not.
func (c *Config) applyValues(values map[string]string, source string, strict bool) error {
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.key] = true
		v, ok := values[f.key]
		if !ok {
			continue
		}
		if err := f.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: invalid %s=%q: %w", source, f.key, v, err)
		}
	}
	if strict {
		for k := range values {
			if !known[k] {
				return fmt.Errorf("%s: unknown key %s", source, k)
			}
		}
	}
	return nil
}

type field struct {
	key string
	set func(*Config, string) error
}

var fields = []field{
	{"RPC_URL", func(c *Config, v string) error { c.RPCURL = v; return nil }},
	{"CHAIN_ID", func(c *Config, v string) (err error) { c.ChainID, err = strconv.ParseUint(v, 10, 64); return }},
	{"NETWORK_PROFILE", func(c *Config, v string) error { c.NetworkProfile = strings.ToLower(v); return nil }},
	{"CONTRACT_ADDRESS", func(c *Config, v string) error { c.ContractAddress = v; return nil }},
	{"FUNDING_PRIVATE_KEY", func(c *Config, v string) error { c.FundingPrivateKey = v; return nil }},
	{"FUNDING_AMOUNT_WEI", func(c *Config, v string) (err error) { c.FundingAmount, err = ParseWei(v); return }},
	{"FUNDING_MODE", func(c *Config, v string) error { c.FundingMode = strings.ToLower(v); return nil }},
	{"BACKEND_URL", func(c *Config, v string) error { c.BackendURL = strings.TrimRight(v, "/"); return nil }},
	{"BACKEND_API_KEY", func(c *Config, v string) error { c.BackendAPIKey = v; return nil }},
	{"BATCH_SIZE", func(c *Config, v string) (err error) { c.BatchSize, err = strconv.Atoi(v); return }},
	{"BATCH_DELAY", func(c *Config, v string) (err error) { c.BatchDelay, err = ParseDuration(v); return }},
	{"MAX_RETRIES", func(c *Config, v string) (err error) { c.MaxRetries, err = strconv.Atoi(v); return }},
	{"RETRY_BASE_DELAY", func(c *Config, v string) (err error) { c.RetryBaseDelay, err = ParseDuration(v); return }},
	{"RETRY_MAX_DELAY", func(c *Config, v string) (err error) { c.RetryMaxDelay, err = ParseDuration(v); return }},
	{"RETRY_JITTER", func(c *Config, v string) (err error) { c.RetryJitter, err = strconv.ParseFloat(v, 64); return }},
	{"REQUEST_INTERVAL", func(c *Config, v string) (err error) { c.RequestInterval, err = ParseDuration(v); return }},
	{"RPC_RATE_LIMIT", func(c *Config, v string) (err error) { c.RPCRateLimit, err = strconv.ParseFloat(v, 64); return }},
	{"GAS_PRICE_MULTIPLIER", func(c *Config, v string) (err error) { c.GasPriceMultiplier, err = strconv.ParseFloat(v, 64); return }},
	{"GAS_PRICE_FALLBACK_WEI", func(c *Config, v string) (err error) { c.GasPriceFallback, err = ParseWei(v); return }},
	{"GAS_LIMIT_BUFFER", func(c *Config, v string) (err error) { c.GasLimitBuffer, err = strconv.ParseFloat(v, 64); return }},
	{"GAS_LIMIT_FALLBACK", func(c *Config, v string) (err error) { c.GasLimitFallback, err = strconv.ParseUint(v, 10, 64); return }},
	{"CONFIRMATIONS", func(c *Config, v string) (err error) { c.Confirmations, err = strconv.ParseUint(v, 10, 64); return }},
	{"CONFIRM_TIMEOUT", func(c *Config, v string) (err error) { c.ConfirmTimeout, err = ParseDuration(v); return }},
	{"NUM_CREATORS", func(c *Config, v string) (err error) { c.Counts.Creators, err = strconv.Atoi(v); return }},
	{"NUM_ELIGIBLE", func(c *Config, v string) (err error) { c.Counts.Eligible, err = strconv.Atoi(v); return }},
	{"NUM_INELIGIBLE", func(c *Config, v string) (err error) { c.Counts.Ineligible, err = strconv.Atoi(v); return }},
	{"VOTERS_PER_ELECTION", func(c *Config, v string) (err error) { c.VotersPerElection, err = strconv.Atoi(v); return }},
	{"ELECTION_START_DELAY", func(c *Config, v string) (err error) { c.ElectionStartDelay, err = ParseDuration(v); return }},
	{"ELECTION_DURATION", func(c *Config, v string) (err error) { c.ElectionDuration, err = ParseDuration(v); return }},
	{"MAX_START_WAIT", func(c *Config, v string) (err error) { c.MaxStartWait, err = ParseDuration(v); return }},
	{"SECURITY_ATTEMPT_VOTE", func(c *Config, v string) (err error) { c.SecurityAttemptVote, err = strconv.ParseBool(v); return }},
	{"DATABASE_PATH", func(c *Config, v string) error { c.DatabasePath = v; return nil }},
	{"LISTEN_ADDR", func(c *Config, v string) error { c.ListenAddr = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = strings.ToLower(v); return nil }},
}

// Keys returns the recognised configuration keys in declaration order.
func Keys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

// ParseDuration accepts Go durations ("2s", "1m30s") or bare milliseconds ("2000").
func ParseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

var weiUnits = map[string]*big.Int{
	"wei":   big.NewInt(1),
	"gwei":  big.NewInt(1_000_000_000),
	"ether": big.NewInt(1_000_000_000_000_000_000),
	"eth":   big.NewInt(1_000_000_000_000_000_000),
}

// ParseWei parses a wei amount. Plain integers are wei; a unit suffix
// (wei, gwei, eth, ether) allows decimals, e.g. "0.05eth" or "2 gwei".
func ParseWei(s string) (*big.Int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if v, ok := new(big.Int).SetString(s, 10); ok {
		if v.Sign() < 0 {
			return nil, fmt.Errorf("amount cannot be negative")
		}
		return v, nil
	}

	for _, unit := range []string{"gwei", "ether", "eth", "wei"} {
		if !strings.HasSuffix(s, unit) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(s, unit))
		r, ok := new(big.Rat).SetString(num)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", s)
		}
		if r.Sign() < 0 {
			return nil, fmt.Errorf("amount cannot be negative")
		}
		r.Mul(r, new(big.Rat).SetInt(weiUnits[unit]))
		if !r.IsInt() {
			return nil, fmt.Errorf("amount %q is not a whole number of wei", s)
		}
		return new(big.Int).Set(r.Num()), nil
	}
	return nil, fmt.Errorf("invalid amount %q", s)
}
