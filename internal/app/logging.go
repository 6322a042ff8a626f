package app

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plugbox/internal/config"
)

// NewLogger builds the host logger from the log section. A nil output
// writes to stderr.
func NewLogger(cfg config.LogConfig, output io.Writer) hclog.Logger {
	if output == nil {
		output = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "plugbox",
		Level:      hclog.LevelFromString(cfg.Level),
		Output:     output,
		JSONFormat: cfg.JSON,
	})
}
