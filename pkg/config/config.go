package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrNilPointer is returned when Load receives a nil destination.
	ErrNilPointer = errors.New("config: destination must not be nil")

	// ErrParsingConfig wraps env tag parsing failures, including missing
	// required variables.
	ErrParsingConfig = errors.New("config: failed to parse environment")
)

var loadDotEnv sync.Once

// Load populates cfg from environment variables using caarlos0/env struct
// tags. The first call in the process also loads a `.env` file from the
// working directory when one exists, so local development does not need
// exported variables.
func Load[T any](cfg *T) error {
	if cfg == nil {
		return ErrNilPointer
	}
	loadDotEnv.Do(func() {
		// Missing .env is the normal production case.
		_ = godotenv.Load()
	})
	if err := env.Parse(cfg); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad is Load for configuration the process cannot start without.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}
