// Package config loads runtime configuration for the rewards service from
// the environment, with reward rates optionally overridden by a TOML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"reelchain/core/rewards"
)

// Config represents runtime configuration for the rewards service.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string

	// Settlement ledger connectivity.
	EVMRPCURL     string
	PoolAddress   string
	ChainID       int64
	PrivateKeyEnv string
	Confirmations uint64

	SubmitTimeout     time.Duration
	ConfirmPollEvery  time.Duration
	ConfirmTimeout    time.Duration
	ClaimsPerMinute   float64
	ClaimBurst        int
	RewardsParamsFile string
	ReconOutputDir    string
	ReconRunHour      int
	ReconRunMinute    int
	ReconDryRun       bool
	ReconWindow       time.Duration
	ReconStalledAfter time.Duration
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	port := getEnvDefault("REWARDS_PORT", "8080")
	dbURL := os.Getenv("REWARDS_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("REWARDS_DB_URL is required")
	}

	rpcURL := strings.TrimSpace(os.Getenv("REWARDS_EVM_RPC_URL"))
	if rpcURL == "" {
		return nil, fmt.Errorf("REWARDS_EVM_RPC_URL is required")
	}
	poolAddr := strings.TrimSpace(os.Getenv("REWARDS_POOL_ADDRESS"))
	if poolAddr == "" {
		return nil, fmt.Errorf("REWARDS_POOL_ADDRESS is required")
	}
	chainID := int64(parseIntEnv("REWARDS_CHAIN_ID", 0))
	if chainID <= 0 {
		return nil, fmt.Errorf("REWARDS_CHAIN_ID is required")
	}
	keyEnv := getEnvDefault("REWARDS_PRIVATE_KEY_ENV", "REWARDS_SETTLEMENT_KEY")
	if strings.TrimSpace(os.Getenv(keyEnv)) == "" {
		return nil, fmt.Errorf("%s is required", keyEnv)
	}
	confirmations := parseIntEnv("REWARDS_CONFIRMATIONS", 1)
	if confirmations < 0 {
		confirmations = 1
	}

	cfg := &Config{
		Port:              normalizePort(port),
		Env:               getEnvDefault("REWARDS_ENV", "dev"),
		DatabaseURL:       dbURL,
		EVMRPCURL:         rpcURL,
		PoolAddress:       poolAddr,
		ChainID:           chainID,
		PrivateKeyEnv:     keyEnv,
		Confirmations:     uint64(confirmations),
		SubmitTimeout:     parseDurationEnv("REWARDS_SUBMIT_TIMEOUT", 30*time.Second),
		ConfirmPollEvery:  parseDurationEnv("REWARDS_CONFIRM_POLL_INTERVAL", 2*time.Second),
		ConfirmTimeout:    parseDurationEnv("REWARDS_CONFIRM_TIMEOUT", 2*time.Minute),
		ClaimsPerMinute:   float64(parseIntEnv("REWARDS_CLAIMS_PER_MINUTE", 60)),
		ClaimBurst:        parseIntEnv("REWARDS_CLAIM_BURST", 10),
		RewardsParamsFile: strings.TrimSpace(os.Getenv("REWARDS_PARAMS_FILE")),
		ReconOutputDir:    getEnvDefault("REWARDS_RECON_OUTPUT_DIR", "reelchain-data/recon"),
		ReconRunHour:      parseIntEnv("REWARDS_RECON_RUN_HOUR", 2),
		ReconRunMinute:    parseIntEnv("REWARDS_RECON_RUN_MINUTE", 0),
		ReconDryRun:       parseBoolEnv("REWARDS_RECON_DRY_RUN", false),
		ReconWindow:       parseDurationEnv("REWARDS_RECON_WINDOW", 24*time.Hour),
		ReconStalledAfter: parseDurationEnv("REWARDS_RECON_STALLED_AFTER", time.Hour),
	}
	return cfg, nil
}

// PrivateKeyHex reads the settlement signing key from the configured env var.
func (c *Config) PrivateKeyHex() string {
	return strings.TrimPrefix(strings.TrimSpace(os.Getenv(c.PrivateKeyEnv)), "0x")
}

// rewardsParamsFile mirrors the TOML layout for reward rate overrides. Rates
// are whole tokens expressed as numerator/denominator pairs to avoid floats.
type rewardsParamsFile struct {
	LikeRateNumerator      int64  `toml:"like_rate_numerator"`
	LikeRateDenominator    int64  `toml:"like_rate_denominator"`
	ShareRateNumerator     int64  `toml:"share_rate_numerator"`
	ShareRateDenominator   int64  `toml:"share_rate_denominator"`
	CommentRateNumerator   int64  `toml:"comment_rate_numerator"`
	CommentRateDenominator int64  `toml:"comment_rate_denominator"`
	ViralThreshold         uint64 `toml:"viral_threshold"`
	ViralBonusTokens       int64  `toml:"viral_bonus_tokens"`
}

// RewardParams returns the reward rate parameters, applying the TOML override
// file when configured.
func (c *Config) RewardParams() (rewards.Params, error) {
	params := rewards.DefaultParams()
	if c.RewardsParamsFile == "" {
		return params, nil
	}
	var file rewardsParamsFile
	if _, err := toml.DecodeFile(c.RewardsParamsFile, &file); err != nil {
		return rewards.Params{}, fmt.Errorf("config: decode %s: %w", c.RewardsParamsFile, err)
	}
	override, err := rewards.NewParams(rewards.ParamSpec{
		LikeRateNumerator:      file.LikeRateNumerator,
		LikeRateDenominator:    file.LikeRateDenominator,
		ShareRateNumerator:     file.ShareRateNumerator,
		ShareRateDenominator:   file.ShareRateDenominator,
		CommentRateNumerator:   file.CommentRateNumerator,
		CommentRateDenominator: file.CommentRateDenominator,
		ViralThreshold:         file.ViralThreshold,
		ViralBonusTokens:       file.ViralBonusTokens,
	})
	if err != nil {
		return rewards.Params{}, fmt.Errorf("config: %s: %w", c.RewardsParamsFile, err)
	}
	return override, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	return strings.TrimPrefix(port, ":")
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return def
}
