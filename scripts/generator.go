// Package scripts produces the benchmark script of a job by running an
// external generator command.
package scripts

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fleetbench/fleetbench/jobs"
	"github.com/fleetbench/fleetbench/runner/execer"
)

// Generator returns the script body for a job.
type Generator interface {
	Generate(ctx context.Context, job *jobs.Job) ([]byte, error)
}

const (
	DefaultTimeout = time.Minute
	// Environment variable naming the vendor events file for the generator.
	EventsFileEnv = "BENCH_EVENTS_FILE"
)

// Request is written as JSON to the generator's stdin.
type Request struct {
	Job      *jobs.Job `json:"job"`
	Walltime string    `json:"walltime"`
	Queue    string    `json:"queue"`
}

// CommandGenerator runs Argv with a Request on stdin and takes its stdout as
// the script.
type CommandGenerator struct {
	Argv       []string
	EventsFile string
	Walltime   string
	Queue      string
	Timeout    time.Duration
	Execer     execer.Execer
}

func (g *CommandGenerator) Generate(ctx context.Context, job *jobs.Job) ([]byte, error) {
	if len(g.Argv) == 0 {
		return nil, errors.New("no script generator command configured")
	}
	req, err := json.Marshal(Request{Job: job, Walltime: g.Walltime, Queue: g.Queue})
	if err != nil {
		return nil, err
	}
	timeout := g.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	var stdout, stderr bytes.Buffer
	cmd := execer.Command{
		Argv:      g.Argv,
		Stdin:     bytes.NewReader(req),
		Stdout:    &stdout,
		Stderr:    &stderr,
		LogFields: log.Fields{"jobID": job.ID, "node": job.Node.UID},
	}
	if g.EventsFile != "" {
		cmd.EnvVars = map[string]string{EventsFileEnv: g.EventsFile}
	}
	st, err := execer.Run(ctx, g.Execer, cmd, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "generating script for job %d", job.ID)
	}
	if !st.Succeeded() {
		return nil, errors.Errorf("script generator exited %d for job %d: %s", st.ExitCode, job.ID, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, errors.Errorf("script generator printed nothing for job %d", job.ID)
	}
	return stdout.Bytes(), nil
}

// WriteScript generates the script of job and writes it, executable, to
// job.ScriptFile.
func WriteScript(ctx context.Context, g Generator, job *jobs.Job) error {
	body, err := g.Generate(ctx, job)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(job.ScriptFile), 0o755); err != nil {
		return errors.Wrapf(err, "creating script dir for %s", job.ScriptFile)
	}
	if err := os.WriteFile(job.ScriptFile, body, 0o755); err != nil {
		return errors.Wrapf(err, "writing %s", job.ScriptFile)
	}
	log.WithFields(log.Fields{"jobID": job.ID, "node": job.Node.UID, "script": job.ScriptFile}).Debug("Script written")
	return nil
}
