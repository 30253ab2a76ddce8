// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

type Config struct {
	Level  log.Level
	Format string `validate:"oneof=text json"`
	// Metrics counts log lines per level in the default prometheus registry.
	Metrics bool
}

// Configure applies cfg to the standard logger, writing to out (stdout when nil).
func Configure(cfg Config, out io.Writer) error {
	if out == nil {
		out = os.Stdout
	}
	formatter, err := newFormatter(cfg.Format)
	if err != nil {
		return err
	}
	log.SetFormatter(formatter)
	log.SetOutput(out)
	log.SetLevel(cfg.Level)
	if cfg.Metrics {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			return fmt.Errorf("register log metrics: %w", err)
		}
		log.AddHook(hook)
	}
	return nil
}

func newFormatter(format string) (log.Formatter, error) {
	switch format {
	case "", FormatText:
		return &log.TextFormatter{FullTimestamp: true}, nil
	case FormatJSON:
		return &log.JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
