// Package config loads mint configuration from environment variables
// (with optional YAML file support via cleanenv) and builds the zap
// logger used throughout the mint.
package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/tyler-smith/go-bip39"
	"go.uber.org/zap"
)

// MintMethodSettings bounds a single mint/melt method's amount range.
type MintMethodSettings struct {
	MinAmount uint64 `yaml:"min_amount" env:"MIN_AMOUNT"`
	MaxAmount uint64 `yaml:"max_amount" env:"MAX_AMOUNT"`
}

type Limits struct {
	MaxBalance      uint64             `yaml:"max_balance" env:"MAX_BALANCE"`
	MintingSettings MintMethodSettings `yaml:"minting"`
	MeltingSettings MintMethodSettings `yaml:"melting"`
}

// Config is the mint's full runtime configuration. Every field has an
// env var binding so a bare environment, with no YAML file, is enough
// to boot.
type Config struct {
	Environment string `yaml:"environment" env:"MINT_ENV" env-default:"development"`

	Port         string `yaml:"port" env:"MINT_PORT" env-default:"3338"`
	DatabaseDSN  string `yaml:"database_dsn" env:"MINT_DATABASE_DSN" env-required:"true"`
	SeedMnemonic string `yaml:"seed_mnemonic" env:"MINT_SEED_MNEMONIC"`

	InputFeePpk       uint64 `yaml:"input_fee_ppk" env:"INPUT_FEE_PPK" env-default:"0"`
	DerivationPathIdx uint32 `yaml:"derivation_path_idx" env:"DERIVATION_PATH_IDX" env-default:"0"`

	Name            string `yaml:"name" env:"MINT_NAME"`
	Description     string `yaml:"description" env:"MINT_DESCRIPTION"`
	DescriptionLong string `yaml:"description_long" env:"MINT_DESCRIPTION_LONG"`
	Motd            string `yaml:"motd" env:"MINT_MOTD"`
	ContactInfo     string `yaml:"contact_info" env:"MINT_CONTACT_INFO"`

	SignatoryTLSAddress string `yaml:"signatory_tls_address" env:"MINT_SIGNATORY_ADDRESS"`

	Limits Limits `yaml:"limits"`
}

// Load reads Config from the environment, optionally merging a YAML
// file first if path is non-empty.
func Load(path string) (Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the mint's zap logger: human-readable console
// output in development, structured JSON in every other environment.
func NewLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	return cfg.Build()
}

// Seed resolves the mint's BIP32 master seed. If SeedMnemonic is unset,
// a new mnemonic is generated and logged once at warn level so the
// operator can persist it out of band; there is no seed table in
// storage, so losing this value loses custody of every issued keyset.
func Seed(cfg Config, log *zap.Logger) ([]byte, error) {
	mnemonic := cfg.SeedMnemonic
	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return nil, fmt.Errorf("generating seed entropy: %w", err)
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, fmt.Errorf("generating seed mnemonic: %w", err)
		}
		log.Warn("generated a new mint seed mnemonic; set MINT_SEED_MNEMONIC to reuse it on restart",
			zap.String("mnemonic", mnemonic))
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid seed mnemonic")
	}
	return bip39.NewSeed(mnemonic, ""), nil
}
