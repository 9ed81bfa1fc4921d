// Package config loads backend settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Defaults matching the contract deployment this backend fronts.
const (
	DefaultDomainName    = "SKALE Payment Tool"
	DefaultDomainVersion = "1"
	DefaultChainID       = 974399131
	DefaultListenAddr    = ":8000"
)

// Config carries everything the composition root needs.
type Config struct {
	ListenAddr string

	// Chain. Empty RPCURL runs the backend store-only.
	RPCURL          string
	ContractAddress string
	ChainID         *big.Int

	// EIP-712 domain.
	DomainName    string
	DomainVersion string

	// Empty DatabaseDSN selects the in-memory store.
	DatabaseDSN string

	// Key material for sealing gated-resource URLs.
	URLSealingKey string

	CORSOrigins []string
}

// Load reads the .env file if present and assembles the configuration from
// the environment. A missing .env is not an error; deployed environments
// inject variables directly.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:      getenv("LISTEN_ADDR", DefaultListenAddr),
		RPCURL:          getenv("RPC_URL", ""),
		ContractAddress: getenv("CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000000"),
		DomainName:      getenv("EIP712_DOMAIN_NAME", DefaultDomainName),
		DomainVersion:   getenv("EIP712_DOMAIN_VERSION", DefaultDomainVersion),
		DatabaseDSN:     getenv("DATABASE_DSN", ""),
		URLSealingKey:   getenv("URL_SEALING_KEY", ""),
	}

	chainID := getenv("CHAIN_ID", "")
	if chainID == "" {
		cfg.ChainID = big.NewInt(DefaultChainID)
	} else {
		id, ok := new(big.Int).SetString(chainID, 10)
		if !ok {
			return nil, fmt.Errorf("CHAIN_ID %q is not a base-10 integer", chainID)
		}
		cfg.ChainID = id
	}

	if origins := getenv("CORS_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if cfg.URLSealingKey == "" {
		return nil, fmt.Errorf("URL_SEALING_KEY is required")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
