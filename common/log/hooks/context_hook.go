package hooks

import (
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const modulePrefix = "fleetbench/"

type contextHook struct {
	levels []log.Level
}

// NewContextHook annotates entries at the given levels (all levels when none
// are given) with the file:line of the logging call site.
func NewContextHook(levels ...log.Level) log.Hook {
	if len(levels) == 0 {
		levels = log.AllLevels
	}
	return contextHook{levels: levels}
}

func (hook contextHook) Levels() []log.Level {
	return hook.levels
}

func (hook contextHook) Fire(entry *log.Entry) error {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "sirupsen/logrus") && !strings.HasSuffix(frame.File, "context_hook.go") {
			file := frame.File
			if idx := strings.LastIndex(file, modulePrefix); idx >= 0 {
				file = file[idx+len(modulePrefix):]
			}
			entry.Data["file:line"] = file + ":" + strconv.Itoa(frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}
