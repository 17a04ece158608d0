package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
)

// testServer is an in-process sshd that runs exec requests with sh and
// serves the sftp subsystem from the local filesystem.
type testServer struct {
	addr    string
	hostKey ssh.PublicKey
	dir     string
}

func startTestServer(t *testing.T) *testServer {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := &testServer{addr: ln.Addr().String(), hostKey: hostSigner.PublicKey(), dir: t.TempDir()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(conn, config)
		}
	}()
	return srv
}

func (s *testServer) serveConn(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, requests)
	}
}

func (s *testServer) serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)
			cmd := exec.Command("sh", "-c", payload.Command)
			cmd.Dir = s.dir
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()
			code := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					code = exitErr.ExitCode()
				} else {
					code = 127
				}
			}
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
			return
		case "subsystem":
			req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			server.Serve()
			return
		default:
			req.Reply(false, nil)
		}
	}
}

func writeClientKey(t *testing.T) string {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "bench")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func newTestExecutor(t *testing.T, srv *testServer, submitCommand string) (Executor, stats.StatsReceiver) {
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{srv.addr}, srv.hostKey)
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o644))

	stat := stats.DefaultStatsReceiver()
	ex, err := NewSSHExecutor(Config{
		User:           "bench",
		KeyFile:        writeClientKey(t),
		KnownHostsFile: knownHosts,
		SubmitCommand:  submitCommand,
		DialTimeout:    5 * time.Second,
	}, stat)
	require.NoError(t, err)
	return ex, stat
}

func TestSessionRoundTrip(t *testing.T) {
	srv := startTestServer(t)
	ex, stat := newTestExecutor(t, srv, "echo OAR_JOB_ID=4242 && true")
	ctx := context.Background()

	sess, err := ex.Connect(ctx, "bench@"+srv.addr)
	require.NoError(t, err)
	defer sess.Close()

	scriptDir := filepath.Join(srv.dir, "scripts.d", "rennes", "paravance")
	require.NoError(t, sess.Mkdir(ctx, scriptDir))

	local := filepath.Join(t.TempDir(), "paravance-1.sh")
	script := "#!/bin/sh\necho benchmark done > " + filepath.Join(srv.dir, "ran") + "\n"
	require.NoError(t, os.WriteFile(local, []byte(script), 0o644))
	remotePath := filepath.Join(scriptDir, "paravance-1.sh")
	require.NoError(t, sess.Upload(ctx, local, remotePath))
	// Uploading again overwrites.
	require.NoError(t, sess.Upload(ctx, local, remotePath))
	require.NoError(t, sess.MakeExecutable(ctx, remotePath))

	info, err := os.Stat(remotePath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)
	data, _ := os.ReadFile(remotePath)
	assert.Equal(t, script, string(data))

	id, err := sess.Submit(ctx, remotePath)
	require.NoError(t, err)
	assert.Equal(t, "4242", id)

	require.NoError(t, sess.Launch(ctx, remotePath))
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(srv.dir, "ran"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	big := bytes.Repeat([]byte("0123456789abcdef"), 5000)
	require.NoError(t, os.WriteFile(filepath.Join(srv.dir, "OAR.4242.stdout"), big, 0o644))
	dl := filepath.Join(t.TempDir(), "diag", "OAR.4242.stdout")
	require.NoError(t, sess.Download(ctx, filepath.Join(srv.dir, "OAR.4242.stdout"), dl))
	got, err := os.ReadFile(dl)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	ok, msg := stats.StatsOk("remote", stat.Registry(), map[string]stats.Rule{
		"remote/connectLatency_ms.count": {Checker: stats.Int64EqTest, Value: 1},
		"remote/errors":                  {Checker: stats.DoesNotExistTest},
	})
	assert.True(t, ok, msg)
}

func TestSubmitFailures(t *testing.T) {
	srv := startTestServer(t)
	ctx := context.Background()

	ex, _ := newTestExecutor(t, srv, "echo 'no resources' >&2; exit 3; true")
	sess, err := ex.Connect(ctx, srv.addr)
	require.NoError(t, err)
	_, err = sess.Submit(ctx, "script.sh")
	var se *SubmitError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 3, se.ExitCode)
	assert.Contains(t, se.Output, "no resources")
	sess.Close()

	ex, _ = newTestExecutor(t, srv, "echo submitted, ")
	sess, err = ex.Connect(ctx, srv.addr)
	require.NoError(t, err)
	defer sess.Close()
	_, err = sess.Submit(ctx, "script.sh")
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 0, se.ExitCode)
}

func TestCommandAndTransferErrors(t *testing.T) {
	srv := startTestServer(t)
	ex, _ := newTestExecutor(t, srv, "")
	ctx := context.Background()
	sess, err := ex.Connect(ctx, srv.addr)
	require.NoError(t, err)
	defer sess.Close()

	err = sess.MakeExecutable(ctx, filepath.Join(srv.dir, "missing.sh"))
	var ce *CommandError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.NotZero(t, ce.ExitCode)

	err = sess.Download(ctx, filepath.Join(srv.dir, "missing"), filepath.Join(t.TempDir(), "x"))
	assert.True(t, fberrors.IsTransport(err), "got %v", err)
}

func TestConnectRejectsUnknownHostKey(t *testing.T) {
	srv := startTestServer(t)
	other := startTestServer(t)
	ex, _ := newTestExecutor(t, other, "")
	// The known_hosts file only lists other's key under other's address.
	_, err := ex.Connect(context.Background(), srv.addr)
	assert.True(t, fberrors.IsTransport(err), "got %v", err)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ex := NewCustomSSHExecutor(Config{User: "bench", DialTimeout: time.Second}, nil, ssh.InsecureIgnoreHostKey(), nil)
	_, err = ex.Connect(context.Background(), addr)
	assert.True(t, fberrors.IsTransport(err))
}

func TestParseJobID(t *testing.T) {
	id, ok := ParseJobID("[ADMISSION RULE] Modify resource description\nOAR_JOB_ID=1987213\n")
	assert.True(t, ok)
	assert.Equal(t, "1987213", id)
	_, ok = ParseJobID("JOB_ID=")
	assert.False(t, ok)
}

func TestTarget(t *testing.T) {
	e := NewCustomSSHExecutor(Config{User: "bench"}, nil, nil, nil).(*sshExecutor)
	user, addr := e.target("rennes")
	assert.Equal(t, "bench", user)
	assert.Equal(t, "rennes:22", addr)
	user, addr = e.target("root@paravance-1.rennes:2222")
	assert.Equal(t, "root", user)
	assert.Equal(t, "paravance-1.rennes:2222", addr)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "scripts.d/a/b.sh", shellQuote("scripts.d/a/b.sh"))
	assert.Equal(t, `'it'\''s here'`, shellQuote("it's here"))
	assert.True(t, strings.HasPrefix(shellQuote(""), "'"))
}
