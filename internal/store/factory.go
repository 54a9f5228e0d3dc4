package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/config"
)

// NewStore creates a new store based on configuration
func NewStore(logger *zap.Logger, cfg *config.DatabaseConfig) (Store, error) {
	logger.Info("Initializing store", zap.String("type", cfg.Type))
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(logger), nil
	case "sqlite", "postgres", "mysql":
		return NewDBStore(logger, cfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
