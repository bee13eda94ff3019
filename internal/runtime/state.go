package runtime

import (
	"fmt"

	"github.com/tjfontaine/llm-key-carousel/internal/keyring"
	"github.com/tjfontaine/llm-key-carousel/internal/pkg/config"
)

// State is the process-wide aggregate every request handler shares. Config is
// read-only after construction; Keys guards its own cursor.
type State struct {
	Config *config.Config
	Keys   *keyring.Rotator
}

// NewState builds the key pool from cfg.
func NewState(cfg *config.Config) (*State, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	keys, err := keyring.New(cfg.Upstream.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("build key pool: %w", err)
	}
	return &State{Config: cfg, Keys: keys}, nil
}
