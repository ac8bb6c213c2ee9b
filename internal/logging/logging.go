// Package logging bootstraps the process-wide zerolog logger and provides
// WithDimensions, grounded on original_source's LoggerConfigurator pattern
// of attaching sync_id/organization_id fields to every log line a component
// emits for the duration of one job or request.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init installs a console-friendly writer in development and a plain JSON
// writer otherwise, matching the teacher's reliance on zerolog defaults.
func Init(development bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	if development {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// WithDimensions returns a child logger carrying fixed fields for the
// lifetime of a component instance (a sync job, a scheduler tick, a search
// request).
func WithDimensions(component string, dims map[string]string) zerolog.Logger {
	ctx := log.With().Str("component", component)
	for k, v := range dims {
		ctx = ctx.Str(k, v)
	}
	return ctx.Logger()
}
