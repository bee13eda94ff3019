// Package gateway provides the public API for embedding the key carousel.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/llm-key-carousel/internal/pkg/config"
	"github.com/tjfontaine/llm-key-carousel/internal/runtime"
)

// Gateway is the main entry point for running the proxy.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Config is the proxy configuration.
type Config = config.Config

// New creates a new Gateway for a loaded config.
// Example:
//
//	cfg, err := gateway.LoadConfig("config.yaml")
//	if err != nil {
//	    return err
//	}
//	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
var New = runtime.New

// LoadConfig reads a YAML file and PROXY_* environment variables.
var LoadConfig = config.Load

// Configuration options
var (
	WithLogger         = runtime.WithLogger
	WithRegistry       = runtime.WithRegistry
	WithUpstreamClient = runtime.WithUpstreamClient
	WithActivityLog    = runtime.WithActivityLog
)
