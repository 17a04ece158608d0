// Package log configures the process-wide logrus logger for benchctl.
package log

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fleetbench/fleetbench/common/log/hooks"
)

const LogFileName = "benchctl.log"

// Setup parses level, installs the context hook when debugging and, when
// logsDir is set, tees output to <logsDir>/benchctl.log. The returned closer
// releases the log file.
func Setup(level, logsDir string) (io.Closer, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing log level %q", level)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if lvl >= log.DebugLevel {
		log.AddHook(hooks.NewContextHook())
	}
	if logsDir == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating logs dir %s", logsDir)
	}
	f, err := os.OpenFile(filepath.Join(logsDir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening log file")
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
