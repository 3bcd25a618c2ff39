// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	multisettle "github.com/x402-foundation/multisettle"
)

// Config holds all service settings.
type Config struct {
	ListenAddr  string
	LogLevel    string
	Development bool

	// DatabaseURL selects the postgres store when set; empty runs in-memory.
	DatabaseURL string

	// FacilitatorURL is the base URL of the single-payment facilitator whose
	// /verify endpoint validates signed payloads.
	FacilitatorURL string

	// OperatorPrivateKey signs custody transactions. Hex, with or without 0x.
	OperatorPrivateKey string

	// RPCEndpoints maps CAIP-2 network identifiers to RPC URLs, parsed from a
	// comma-separated "network=url" list.
	RPCEndpoints map[multisettle.Network]string

	// JWTSecret signs and verifies facilitator API tokens.
	JWTSecret string

	SettleCacheTTL      time.Duration
	ExpirySweepInterval time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	settleCacheTTL, err := getEnvDuration("SETTLE_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := getEnvDuration("EXPIRY_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	rpcs, err := parseRPCEndpoints(os.Getenv("EVM_RPC_ENDPOINTS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:          getEnvString("LISTEN_ADDR", ":8080"),
		LogLevel:            getEnvString("LOG_LEVEL", "info"),
		Development:         getEnvBool("DEV_MODE", false),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		FacilitatorURL:      getEnvString("FACILITATOR_URL", "https://x402.org/facilitator"),
		OperatorPrivateKey:  os.Getenv("OPERATOR_PRIVATE_KEY"),
		RPCEndpoints:        rpcs,
		JWTSecret:           os.Getenv("JWT_SECRET"),
		SettleCacheTTL:      settleCacheTTL,
		ExpirySweepInterval: sweepInterval,
	}

	if cfg.OperatorPrivateKey == "" {
		return nil, fmt.Errorf("OPERATOR_PRIVATE_KEY is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if len(cfg.RPCEndpoints) == 0 {
		return nil, fmt.Errorf("EVM_RPC_ENDPOINTS is required (e.g. \"eip155:8453=https://mainnet.base.org\")")
	}
	return cfg, nil
}

// parseRPCEndpoints parses "eip155:8453=https://a,eip155:84532=https://b".
// The value after the first '=' is taken verbatim, so URLs may contain '='.
func parseRPCEndpoints(raw string) (map[multisettle.Network]string, error) {
	out := make(map[multisettle.Network]string)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		network, url, found := strings.Cut(pair, "=")
		if !found || network == "" || url == "" {
			return nil, fmt.Errorf("invalid EVM_RPC_ENDPOINTS entry %q", pair)
		}
		if _, _, err := multisettle.Network(network).Parse(); err != nil {
			return nil, fmt.Errorf("invalid network in EVM_RPC_ENDPOINTS: %w", err)
		}
		out[multisettle.Network(network)] = url
	}
	return out, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
