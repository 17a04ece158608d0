// Package remote runs commands and moves files on scheduler frontends and
// nodes over ssh.
package remote

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

//go:generate mockgen -source=remote.go -package=remote -destination=mock_remote.go

// Executor opens sessions to hosts. host is "[user@]name[:port]".
type Executor interface {
	Connect(ctx context.Context, host string) (Session, error)
}

// Session is one authenticated connection. Failures are returned as typed
// errors and never retried here.
type Session interface {
	// Mkdir creates dir and its parents.
	Mkdir(ctx context.Context, dir string) error
	// Upload replaces remotePath with the contents of localPath.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Download copies remotePath to localPath in fixed size chunks.
	Download(ctx context.Context, remotePath, localPath string) error
	MakeExecutable(ctx context.Context, path string) error
	// Submit queues script on the batch scheduler and returns its job id.
	Submit(ctx context.Context, script string) (string, error)
	// Launch starts script in the background and returns once dispatched.
	Launch(ctx context.Context, script string) error
	Close() error
}

const (
	DefaultSubmitCommand = "oarsub -S"
	DefaultPort          = 22
	DefaultDialTimeout   = 30 * time.Second
	DownloadChunkSize    = 32 * 1024
)

var jobIDPattern = regexp.MustCompile(`JOB_ID=(\d+)`)

// ParseJobID extracts the id from submit output containing JOB_ID=<digits>.
func ParseJobID(output string) (string, bool) {
	m := jobIDPattern.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// CommandError is a remote command that ran and exited nonzero.
type CommandError struct {
	Host     string
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %q exited %d: %s", e.Host, e.Cmd, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// SubmitError is a submission the scheduler refused, or whose output carried
// no job id.
type SubmitError struct {
	Host     string
	ExitCode int
	Output   string
}

func (e *SubmitError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("submission on %s exited %d: %s", e.Host, e.ExitCode, strings.TrimSpace(e.Output))
	}
	return fmt.Sprintf("submission on %s printed no JOB_ID: %s", e.Host, strings.TrimSpace(e.Output))
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
