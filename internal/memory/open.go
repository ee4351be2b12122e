package memory

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/stellarlinkco/peacy/internal/config"
	"github.com/stellarlinkco/peacy/internal/logging"
)

// Open builds the semantic memory selected by cfg.Memory and cfg.Embedding.
func Open(cfg *config.Config, logger *log.Logger) (*Memory, error) {
	embedder, err := NewEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	var backend Backend
	switch cfg.Memory.Backend {
	case "", "chromem":
		backend, err = NewChromemBackend(cfg.Memory.Path, cfg.Memory.Collection, embedder)
	case "sqlite":
		backend, err = NewSQLiteBackend(cfg.Memory.Path)
	default:
		err = fmt.Errorf("unsupported memory backend %q", cfg.Memory.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger = logging.OrDiscard(logger)
	logger.Info("semantic memory ready", "backend", cfg.Memory.Backend, "path", cfg.Memory.Path, "embedding", cfg.Embedding.Provider)
	return New(backend, embedder, WithLogger(logger), WithTimeout(cfg.CapabilityTimeout())), nil
}
