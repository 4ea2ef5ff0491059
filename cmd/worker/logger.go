package main

import (
	"github.com/aquametry/water-dispense-worker/internal/config"
	"github.com/aquametry/water-dispense-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
