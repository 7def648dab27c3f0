//go:build !yara

package main

import (
	"github.com/ipsix/avsweep/internal/config"
	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/logging"
)

func optionalEngines(config.Config, *logging.Logger) []engine.Capability {
	return nil
}
