package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
)

type Config struct {
	// Login used when the host string carries none.
	User string
	// Private key file. When empty the ssh agent at SSH_AUTH_SOCK is used.
	KeyFile string
	// known_hosts file. When empty host keys are not checked.
	KnownHostsFile string
	Port           int
	SubmitCommand  string
	DialTimeout    time.Duration
}

type sshExecutor struct {
	cfg       Config
	auth      []ssh.AuthMethod
	hostKeyCb ssh.HostKeyCallback
	stat      stats.StatsReceiver
}

// NewSSHExecutor builds an Executor from cfg, loading the key file or agent
// and the known_hosts file.
func NewSSHExecutor(cfg Config, stat stats.StatsReceiver) (Executor, error) {
	auth, err := authMethods(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	cb := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		if cb, err = knownhosts.New(cfg.KnownHostsFile); err != nil {
			return nil, pkgerrors.Wrapf(err, "loading known hosts %s", cfg.KnownHostsFile)
		}
	} else {
		log.Warn("No known_hosts file configured, host keys will not be verified")
	}
	return NewCustomSSHExecutor(cfg, auth, cb, stat), nil
}

func NewCustomSSHExecutor(cfg Config, auth []ssh.AuthMethod, hostKeyCb ssh.HostKeyCallback, stat stats.StatsReceiver) Executor {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.SubmitCommand == "" {
		cfg.SubmitCommand = DefaultSubmitCommand
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &sshExecutor{cfg: cfg, auth: auth, hostKeyCb: hostKeyCb, stat: stat.Scope("remote")}
}

func authMethods(keyFile string) ([]ssh.AuthMethod, error) {
	if keyFile != "" {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "reading ssh key %s", keyFile)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "parsing ssh key %s", keyFile)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, pkgerrors.New("no ssh key file configured and SSH_AUTH_SOCK is unset")
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		return agent.NewClient(conn).Signers()
	})}, nil
}

// target splits "[user@]host[:port]" into a login and a dial address.
func (e *sshExecutor) target(host string) (string, string) {
	user := e.cfg.User
	if i := strings.LastIndex(host, "@"); i >= 0 {
		user, host = host[:i], host[i+1:]
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(e.cfg.Port))
	}
	return user, host
}

func (e *sshExecutor) Connect(ctx context.Context, host string) (Session, error) {
	defer e.stat.Latency(stats.RemoteConnectLatency_ms).Time().Stop()
	user, addr := e.target(host)
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            e.auth,
		HostKeyCallback: e.hostKeyCb,
		Timeout:         e.cfg.DialTimeout,
	}

	d := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		e.stat.Counter(stats.RemoteErrorCounter).Inc(1)
		return nil, fberrors.NewTransportError("connect", host, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		e.stat.Counter(stats.RemoteErrorCounter).Inc(1)
		return nil, fberrors.NewTransportError("handshake", host, err)
	}
	log.WithFields(log.Fields{"host": host, "user": user}).Debug("SSH connection established")
	return &sshSession{
		host:          host,
		client:        ssh.NewClient(c, chans, reqs),
		submitCommand: e.cfg.SubmitCommand,
		stat:          e.stat,
	}, nil
}

type sshSession struct {
	host          string
	client        *ssh.Client
	submitCommand string
	stat          stats.StatsReceiver

	mu   sync.Mutex
	sftp *sftp.Client
}

// run executes cmd and returns its output and exit code. err is only set
// when the command could not be run to completion.
func (s *sshSession) run(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error) {
	defer s.stat.Latency(stats.RemoteCommandLatency_ms).Time().Stop()
	sess, err := s.client.NewSession()
	if err != nil {
		s.stat.Counter(stats.RemoteErrorCounter).Inc(1)
		return "", "", 0, fberrors.NewTransportError("session", s.host, err)
	}
	defer sess.Close()

	var out, errOut bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &errOut
	log.WithFields(log.Fields{"host": s.host, "cmd": cmd}).Debug("Running remote command")

	doneCh := make(chan error, 1)
	go func() { doneCh <- sess.Run(cmd) }()
	select {
	case err = <-doneCh:
	case <-ctx.Done():
		sess.Signal(ssh.SIGTERM)
		return out.String(), errOut.String(), 0, fberrors.NewTransportError("exec", s.host, ctx.Err())
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), errOut.String(), exitErr.ExitStatus(), nil
	}
	if err != nil {
		s.stat.Counter(stats.RemoteErrorCounter).Inc(1)
		return out.String(), errOut.String(), 0, fberrors.NewTransportError("exec", s.host, err)
	}
	return out.String(), errOut.String(), 0, nil
}

func (s *sshSession) runChecked(ctx context.Context, cmd string) error {
	_, stderr, code, err := s.run(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return &CommandError{Host: s.host, Cmd: cmd, ExitCode: code, Stderr: stderr}
	}
	return nil
}

func (s *sshSession) Mkdir(ctx context.Context, dir string) error {
	return s.runChecked(ctx, "mkdir -p "+shellQuote(dir))
}

func (s *sshSession) MakeExecutable(ctx context.Context, path string) error {
	return s.runChecked(ctx, "chmod u+x "+shellQuote(path))
}

func (s *sshSession) Submit(ctx context.Context, script string) (string, error) {
	stdout, stderr, code, err := s.run(ctx, s.submitCommand+" "+shellQuote(script))
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &SubmitError{Host: s.host, ExitCode: code, Output: stderr}
	}
	id, ok := ParseJobID(stdout)
	if !ok {
		return "", &SubmitError{Host: s.host, Output: stdout}
	}
	log.WithFields(log.Fields{"host": s.host, "script": script, "submissionID": id}).Info("Job submitted")
	return id, nil
}

func (s *sshSession) Launch(ctx context.Context, script string) error {
	q := shellQuote(script)
	return s.runChecked(ctx, "nohup "+q+" > "+shellQuote(script+".out")+" 2>&1 < /dev/null &")
}

func (s *sshSession) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp == nil {
		c, err := sftp.NewClient(s.client)
		if err != nil {
			s.stat.Counter(stats.RemoteErrorCounter).Inc(1)
			return nil, fberrors.NewTransportError("sftp", s.host, err)
		}
		s.sftp = c
	}
	return s.sftp, nil
}

func (s *sshSession) Upload(ctx context.Context, localPath, remotePath string) error {
	defer s.stat.Latency(stats.RemoteUploadLatency_ms).Time().Stop()
	src, err := os.Open(localPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "opening %s for upload", localPath)
	}
	defer src.Close()

	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	dst, err := c.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fberrors.NewTransportError("upload", s.host+":"+remotePath, err)
	}
	if _, err := io.Copy(dst, &ctxReader{ctx, src}); err != nil {
		dst.Close()
		return fberrors.NewTransportError("upload", s.host+":"+remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fberrors.NewTransportError("upload", s.host+":"+remotePath, err)
	}
	log.WithFields(log.Fields{"host": s.host, "local": localPath, "remote": remotePath}).Debug("Uploaded")
	return nil
}

func (s *sshSession) Download(ctx context.Context, remotePath, localPath string) error {
	defer s.stat.Latency(stats.RemoteDownloadLatency_ms).Time().Stop()
	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	src, err := c.Open(remotePath)
	if err != nil {
		return fberrors.NewTransportError("download", s.host+":"+remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return pkgerrors.Wrapf(err, "creating dir for %s", localPath)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "creating %s", localPath)
	}
	defer dst.Close()

	buf := make([]byte, DownloadChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return fberrors.NewTransportError("download", s.host+":"+remotePath, err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return pkgerrors.Wrapf(err, "writing %s", localPath)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fberrors.NewTransportError("download", s.host+":"+remotePath, rerr)
		}
	}
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}
	s.mu.Unlock()
	return s.client.Close()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
