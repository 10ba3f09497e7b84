package session

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Test credentials accepted by the in-process server.
const (
	testUser     = "admin"
	testPassword = "secret"
)

// testServer is a minimal in-process SSH server supporting exec requests
// and the sftp subsystem, enough to exercise real channels end to end.
type testServer struct {
	t        *testing.T
	listener net.Listener
	config   *ssh.ServerConfig
	signer   ssh.Signer

	mu    sync.Mutex
	conns []net.Conn
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

	ts := &testServer{
		t:        t,
		listener: listener,
		config:   config,
		signer:   signer,
	}

	go ts.acceptLoop()
	t.Cleanup(ts.stop)

	return ts
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

func (ts *testServer) hostKey() ssh.PublicKey { return ts.signer.PublicKey() }

func (ts *testServer) stop() {
	_ = ts.listener.Close()
	ts.dropConnections()
}

// dropConnections severs all live transports, simulating a connection drop.
func (ts *testServer) dropConnections() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.Close()
	}
	ts.conns = nil
}

func (ts *testServer) acceptLoop() {
	for {
		conn, err := ts.listener.Accept()
		if err != nil {
			return
		}

		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()

		go ts.handleConn(conn)
	}
}

func (ts *testServer) handleConn(conn net.Conn) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, ts.config)
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
		go ts.handleSession(ch, chReqs)
	}
}

func (ts *testServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
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
			ts.runCommand(ch, payload.Command)
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			ts.serveSFTP(ch)
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// runCommand interprets a small fixed command language:
//
//	echo <text>    write text to stdout, exit 0
//	fail <text>    write text to stderr, exit 3
//	spam <n>       write n bytes of output, exit 0
//	sleep          block several seconds before exiting
//	true           exit 0
//	anything else  exit 127
func (ts *testServer) runCommand(ch ssh.Channel, command string) {
	status := uint32(0)

	switch {
	case strings.HasPrefix(command, "echo "):
		fmt.Fprintln(ch, strings.TrimPrefix(command, "echo "))
	case strings.HasPrefix(command, "fail "):
		fmt.Fprintln(ch.Stderr(), strings.TrimPrefix(command, "fail "))
		status = 3
	case strings.HasPrefix(command, "spam "):
		n, _ := strconv.Atoi(strings.TrimPrefix(command, "spam "))
		_, _ = ch.Write(make([]byte, n))
	case command == "sleep":
		time.Sleep(5 * time.Second)
	case command == "true":
	default:
		status = 127
	}

	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

func (ts *testServer) serveSFTP(ch ssh.Channel) {
	server, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	_ = server.Serve()
	_ = server.Close()
}
