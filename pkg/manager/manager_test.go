package manager

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/ssh"

	"gitlab.bluewillows.net/root/sshweaver/internal/inventory"
	"gitlab.bluewillows.net/root/sshweaver/internal/metrics"
	"gitlab.bluewillows.net/root/sshweaver/pkg/credential"
	"gitlab.bluewillows.net/root/sshweaver/pkg/pool"
	"gitlab.bluewillows.net/root/sshweaver/pkg/session"
	"gitlab.bluewillows.net/root/sshweaver/pkg/trust"
)

const (
	testUser     = "admin"
	testPassword = "secret"
)

// testServer is a minimal in-process SSH server handling exec requests
// and the sftp subsystem.
type testServer struct {
	listener net.Listener
	signer   ssh.Signer
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("creating host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("permission denied for %s", conn.User())
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	ts := &testServer{listener: listener, signer: signer}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleConn(conn, config)
		}
	}()

	return ts
}

func handleConn(conn net.Conn, config *ssh.ServerConfig) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer func() { _ = serverConn.Close() }()

	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, chReqs)
	}
}

func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer func() { _ = ch.Close() }()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			status := uint32(0)
			switch {
			case strings.HasPrefix(payload.Command, "echo "):
				fmt.Fprintln(ch, strings.TrimPrefix(payload.Command, "echo "))
			case payload.Command == "sleep":
				time.Sleep(5 * time.Second)
			case payload.Command == "true":
			default:
				status = 127
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			if server, err := sftp.NewServer(ch); err == nil {
				_ = server.Serve()
				_ = server.Close()
			}
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (ts *testServer) addr() string { return ts.listener.Addr().String() }

func (ts *testServer) host() string {
	host, _, _ := net.SplitHostPort(ts.addr())
	return host
}

func (ts *testServer) port() int {
	_, portStr, _ := net.SplitHostPort(ts.addr())
	port, _ := strconv.Atoi(portStr)
	return port
}

func (ts *testServer) rawParams() credential.RawParams {
	return credential.RawParams{
		Host:     ts.host(),
		Port:     ts.port(),
		Username: testUser,
		Password: testPassword,
		Timeout:  5 * time.Second,
	}
}

func newTestManager(t *testing.T, hostKeys ssh.HostKeyCallback) *Manager {
	t.Helper()

	store, err := trust.NewStore(filepath.Join(t.TempDir(), "known_hosts"))
	if err != nil {
		t.Fatalf("creating trust store: %v", err)
	}

	p := pool.New(hostKeys)
	m := New(p, store)
	t.Cleanup(m.Close)
	return m
}

func TestConnect(t *testing.T) {
	ts := startTestServer(t)
	m := newTestManager(t, ssh.InsecureIgnoreHostKey())

	result, err := m.Connect(context.Background(), ts.rawParams(), "web-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if result.ConnectionID != "web-1" {
		t.Errorf("ConnectionID = %q, want %q", result.ConnectionID, "web-1")
	}
	if result.Host != ts.host() || result.Port != ts.port() {
		t.Errorf("result endpoint = %s:%d, want %s:%d", result.Host, result.Port, ts.host(), ts.port())
	}
	if result.Message == "" {
		t.Error("Message is empty")
	}

	info, err := m.Status("web-1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if info.Status != session.StatusConnected.String() {
		t.Errorf("Status = %q, want connected", info.Status)
	}
}

func TestConnect_UntrustedHost(t *testing.T) {
	ts := startTestServer(t)

	store, err := trust.NewStore(filepath.Join(t.TempDir(), "known_hosts"))
	if err != nil {
		t.Fatalf("creating trust store: %v", err)
	}
	p := pool.New(store.HostKeyCallback(false))
	m := New(p, store)
	t.Cleanup(m.Close)

	_, err = m.Connect(context.Background(), ts.rawParams(), "")
	if !trust.IsUntrustedHost(err) {
		t.Fatalf("Connect() error = %v, want ErrUntrustedHost", err)
	}

	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("error %v is not an *OpError", err)
	}
	if opErr.Op != OpConnect {
		t.Errorf("Op = %q, want %q", opErr.Op, OpConnect)
	}
	if opErr.Host != ts.host() {
		t.Errorf("Host = %q, want %q", opErr.Host, ts.host())
	}
}

func TestConnect_AfterTrustHostKey(t *testing.T) {
	ts := startTestServer(t)

	store, err := trust.NewStore(filepath.Join(t.TempDir(), "known_hosts"))
	if err != nil {
		t.Fatalf("creating trust store: %v", err)
	}
	p := pool.New(store.HostKeyCallback(false))
	m := New(p, store)
	t.Cleanup(m.Close)

	trusted, err := m.TrustHostKey(context.Background(), ts.host(), ts.port(), "")
	if err != nil {
		t.Fatalf("TrustHostKey() error = %v", err)
	}
	if trusted.Fingerprint != ssh.FingerprintSHA256(ts.signer.PublicKey()) {
		t.Errorf("Fingerprint = %q, want %q", trusted.Fingerprint, ssh.FingerprintSHA256(ts.signer.PublicKey()))
	}

	if _, err := m.Connect(context.Background(), ts.rawParams(), ""); err != nil {
		t.Fatalf("Connect() after trust error = %v", err)
	}
}

func TestTrustHostKey_ExplicitKey(t *testing.T) {
	ts := startTestServer(t)
	m := newTestManager(t, ssh.InsecureIgnoreHostKey())

	authorized := string(ssh.MarshalAuthorizedKey(ts.signer.PublicKey()))
	result, err := m.TrustHostKey(context.Background(), "db.internal", 2222, authorized)
	if err != nil {
		t.Fatalf("TrustHostKey() error = %v", err)
	}
	if result.Host != "db.internal" || result.Port != 2222 {
		t.Errorf("result endpoint = %s:%d, want db.internal:2222", result.Host, result.Port)
	}

	if _, err := m.TrustHostKey(context.Background(), "db.internal", 2222, "not a key"); err == nil {
		t.Error("TrustHostKey() with garbage key expected error")
	}
}

func TestExecute(t *testing.T) {
	ts := startTestServer(t)
	m := newTestManager(t, ssh.InsecureIgnoreHostKey())

	result, err := m.Connect(context.Background(), ts.rawParams(), "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	out, err := m.Execute(context.Background(), result.ConnectionID, "echo hello")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", out.Stdout, "hello\n")
	}
	if out.ExitStatus != 0 {
		t.Errorf("ExitStatus = %d, want 0", out.ExitStatus)
	}

	// A failing command is still a successful operation.
	out, err = m.Execute(context.Background(), result.ConnectionID, "no-such-command")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.ExitStatus != 127 {
		t.Errorf("ExitStatus = %d, want 127", out.ExitStatus)
	}
}

func TestExecute_UnknownConnection(t *testing.T) {
	m := newTestManager(t, ssh.InsecureIgnoreHostKey())

	_, err := m.Execute(context.Background(), "ghost", "true")
	if !pool.IsSessionNotFound(err) {
		t.Fatalf("Execute() error = %v, want ErrSessionNotFound", err)
	}

	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("error %v is not an *OpError", err)
	}
	if opErr.ConnectionID != "ghost" {
		t.Errorf("ConnectionID = %q, want %q", opErr.ConnectionID, "ghost")
	}
}

func TestExecute_Cancelled(t *testing.T) {
	ts := startTestServer(t)
	m := newTestManager(t, ssh.InsecureIgnoreHostKey())

	result, err := m.Connect(context.Background(), ts.rawParams(), "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = m.Execute(ctx, result.ConnectionID, "sleep")
	if !IsCancelled(err) {
		t.Fatalf("Execute() error = %v, want cancelled", err)
	}
}

func TestUploadDownload(t *testing.T) {
	ts := startTestServer(t)
	m := newTestManager(t, ssh.InsecureIgnoreHostKey())

	result, err := m.Connect(context.Background(), ts.rawParams(), "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	dir := t.TempDir()
	content := []byte("configuration payload\n")
	localSrc := filepath.Join(dir, "src.conf")
	if err := os.WriteFile(localSrc, content, 0o600); err != nil {
		t.Fatalf("writing source file: %v", err)
	}
	remotePath := filepath.Join(dir, "remote.conf")

	up, err := m.Upload(context.Background(), result.ConnectionID, localSrc, remotePath)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if up.Bytes != int64(len(content)) {
		t.Errorf("uploaded bytes = %d, want %d", up.Bytes, len(content))
	}

	localDst := filepath.Join(dir, "dst.conf")
	down, err := m.Download(context.Background(), result.ConnectionID, remotePath, localDst)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if down.Bytes != int64(len(content)) {
		t.Errorf("downloaded bytes = %d, want %d", down.Bytes, len(content))
	}

	got, err := os.ReadFile(localDst)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("downloaded content = %q, want %q", got, content)
	}
}

func TestListDir(t *testing.T) {
	ts := startTestServer(t)
	m := newTestManager(t, ssh.InsecureIgnoreHostKey())

	result, err := m.Connect(context.Background(), ts.rawParams(), "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	dir := t.TempDir()
	for _, name := range []string{"alpha.log", "beta.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	listing, err := m.ListDir(context.Background(), result.ConnectionID, dir)
	if err != nil {
		t.Fatalf("ListDir() error = %v", err)
	}
	if len(listing.Entries) != 2 {
		t.Fatalf("ListDir() returned %d entries, want 2", len(listing.Entries))
	}
	names := map[string]bool{}
	for _, e := range listing.Entries {
		names[e.Name] = true
	}
	if !names["alpha.log"] || !names["beta.log"] {
		t.Errorf("listing missing expected entries: %+v", listing.Entries)
	}
}

func TestList(t *testing.T) {
	ts := startTestServer(t)
	m := newTestManager(t, ssh.InsecureIgnoreHostKey())

	for _, id := range []string{"bravo", "alpha"} {
		if _, err := m.Connect(context.Background(), ts.rawParams(), id); err != nil {
			t.Fatalf("Connect(%q) error = %v", id, err)
		}
	}

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(infos))
	}
	if infos[0].ID != "alpha" || infos[1].ID != "bravo" {
		t.Errorf("List() order = [%s %s], want [alpha bravo]", infos[0].ID, infos[1].ID)
	}
}

func TestDisconnect(t *testing.T) {
	ts := startTestServer(t)
	m := newTestManager(t, ssh.InsecureIgnoreHostKey())

	result, err := m.Connect(context.Background(), ts.rawParams(), "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if _, err := m.Disconnect(result.ConnectionID); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	// Disconnecting again, or an id that never existed, still succeeds.
	if _, err := m.Disconnect(result.ConnectionID); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
	if _, err := m.Disconnect("never-existed"); err != nil {
		t.Errorf("Disconnect(unknown) error = %v", err)
	}

	if _, err := m.Status(result.ConnectionID); !pool.IsSessionNotFound(err) {
		t.Errorf("Status() after Disconnect error = %v, want ErrSessionNotFound", err)
	}
}

func TestConnectProfile(t *testing.T) {
	ts := startTestServer(t)

	invPath := filepath.Join(t.TempDir(), "hosts.toml")
	content := fmt.Sprintf(
		"[hosts.build]\nhost = %q\nport = %d\nusername = %q\npassword_env = \"BUILD_PASSWORD\"\n",
		ts.host(), ts.port(), testUser,
	)
	if err := os.WriteFile(invPath, []byte(content), 0o600); err != nil {
		t.Fatalf("writing inventory: %v", err)
	}
	t.Setenv("BUILD_PASSWORD", testPassword)

	inv, err := inventory.Load(invPath)
	if err != nil {
		t.Fatalf("loading inventory: %v", err)
	}

	store, err := trust.NewStore(filepath.Join(t.TempDir(), "known_hosts"))
	if err != nil {
		t.Fatalf("creating trust store: %v", err)
	}
	m := New(pool.New(ssh.InsecureIgnoreHostKey()), store, WithInventory(inv))
	t.Cleanup(m.Close)

	result, err := m.ConnectProfile(context.Background(), "build", "build-1")
	if err != nil {
		t.Fatalf("ConnectProfile() error = %v", err)
	}
	if result.ConnectionID != "build-1" {
		t.Errorf("ConnectionID = %q, want build-1", result.ConnectionID)
	}

	if _, err := m.ConnectProfile(context.Background(), "ghost", ""); !inventory.IsProfileNotFound(err) {
		t.Errorf("ConnectProfile(ghost) error = %v, want ErrProfileNotFound", err)
	}

	if got := m.Profiles(); len(got) != 1 || got[0] != "build" {
		t.Errorf("Profiles() = %v, want [build]", got)
	}
}

func TestConnect_DefaultPassword(t *testing.T) {
	ts := startTestServer(t)

	store, err := trust.NewStore(filepath.Join(t.TempDir(), "known_hosts"))
	if err != nil {
		t.Fatalf("creating trust store: %v", err)
	}
	m := New(pool.New(ssh.InsecureIgnoreHostKey()), store,
		WithDefaultCredentials(testPassword, ""))
	t.Cleanup(m.Close)

	raw := ts.rawParams()
	raw.Password = ""

	if _, err := m.Connect(context.Background(), raw, ""); err != nil {
		t.Fatalf("Connect() with default password error = %v", err)
	}
}

func TestConnect_TimeoutDefault(t *testing.T) {
	store, err := trust.NewStore(filepath.Join(t.TempDir(), "known_hosts"))
	if err != nil {
		t.Fatalf("creating trust store: %v", err)
	}
	m := New(pool.New(ssh.InsecureIgnoreHostKey()), store,
		WithConnectTimeout(7*time.Second))
	t.Cleanup(m.Close)

	raw := m.applyDefaults(credential.RawParams{
		Host:     "example.com",
		Username: testUser,
		Password: testPassword,
	})
	if raw.Timeout != 7*time.Second {
		t.Errorf("Timeout = %v, want 7s", raw.Timeout)
	}

	// The configured default governs the dial deadline.
	params, err := credential.Resolve(raw)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if params.Timeout() != 7*time.Second {
		t.Errorf("resolved Timeout() = %v, want 7s", params.Timeout())
	}

	// An explicit per-request timeout is never overridden.
	raw = m.applyDefaults(credential.RawParams{
		Host:     "example.com",
		Username: testUser,
		Password: testPassword,
		Timeout:  3 * time.Second,
	})
	if raw.Timeout != 3*time.Second {
		t.Errorf("explicit Timeout = %v, want 3s", raw.Timeout)
	}
}

func TestStatusAndList_RecordMetrics(t *testing.T) {
	ts := startTestServer(t)
	m := newTestManager(t, ssh.InsecureIgnoreHostKey())

	result, err := m.Connect(context.Background(), ts.rawParams(), "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	before := testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(OpStatus, "ok"))
	if _, err := m.Status(result.ConnectionID); err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	after := testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(OpStatus, "ok"))
	if after != before+1 {
		t.Errorf("status ok count = %v, want %v", after, before+1)
	}

	before = testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(OpStatus, "error"))
	if _, err := m.Status("ghost"); err == nil {
		t.Fatal("Status(ghost) expected error")
	}
	after = testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(OpStatus, "error"))
	if after != before+1 {
		t.Errorf("status error count = %v, want %v", after, before+1)
	}

	before = testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(OpList, "ok"))
	m.List()
	after = testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(OpList, "ok"))
	if after != before+1 {
		t.Errorf("list ok count = %v, want %v", after, before+1)
	}
}

func TestOpError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *OpError
		want string
	}{
		{
			name: "id and host",
			err:  &OpError{Op: "execute", ConnectionID: "web-1", Host: "example.com", Err: errors.New("boom")},
			want: "execute web-1 (example.com): boom",
		},
		{
			name: "id only",
			err:  &OpError{Op: "status", ConnectionID: "web-1", Err: errors.New("boom")},
			want: "status web-1: boom",
		},
		{
			name: "host only",
			err:  &OpError{Op: "trust_host_key", Host: "example.com", Err: errors.New("boom")},
			want: "trust_host_key example.com: boom",
		},
		{
			name: "bare",
			err:  &OpError{Op: "list", Err: errors.New("boom")},
			want: "list: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
