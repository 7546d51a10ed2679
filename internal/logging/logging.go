// Package logging constructs the logrus logger shared by every other
// package. Nothing here is required for correctness; it exists so the
// engine, bootstrap, and CLI layers log consistently rather than each
// reaching for their own logger.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// New builds a logrus logger at the given level, writing to stderr so
// stdout stays free for any future machine-readable output. An empty
// level defaults to info; an unrecognized one is an error. Colors are only enabled when
// stderr is an interactive terminal, so piped or redirected output
// (the common case for a long block-device run) stays plain text.
func New(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: !term.IsTerminal(int(os.Stderr.Fd())),
	})

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	return log, nil
}
