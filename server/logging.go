package server

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// NewLogger builds the process logger. Logs go to a file: stdout belongs to
// the stdio protocol and must stay clean.
func NewLogger(path string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	return cfg.Build()
}
