// Package testlog routes test output through the test logging profile.
package testlog

import (
	"testing"

	"github.com/danmuck/cardmbx/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging and brackets t with start/done lines.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
	t.Cleanup(func() {
		log.Info().Str("test", t.Name()).Bool("failed", t.Failed()).Msg("done")
	})
}
