// Package config loads typed configuration structs from environment
// variables via github.com/caarlos0/env tags, with a one-time .env fallback
// through github.com/joho/godotenv for local development.
//
// Each concern declares its own struct:
//
//	type SweepConfig struct {
//	    Interval time.Duration `env:"SWEEP_INTERVAL" envDefault:"24h"`
//	}
//
//	var cfg SweepConfig
//	config.MustLoad(&cfg)
package config
