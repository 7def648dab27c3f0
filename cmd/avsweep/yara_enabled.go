//go:build yara

package main

import (
	"github.com/ipsix/avsweep/internal/config"
	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/engine/yara"
	"github.com/ipsix/avsweep/internal/logging"
)

func optionalEngines(cfg config.Config, logger *logging.Logger) []engine.Capability {
	return []engine.Capability{yara.New(cfg.Engine.ScanTimeoutDuration(), logger)}
}
