package multiserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tcprescott/multiworldhost/internal/payload"
)

func testManifest() *payload.Manifest {
	return &payload.Manifest{
		Names: [][]string{{"alice", "bob"}, {"carol"}},
	}
}

// startServer binds a test server on an ephemeral port.
func startServer(t *testing.T, opts Options) *Server {
	t.Helper()

	if opts.Manifest == nil {
		opts.Manifest = testManifest()
	}
	opts.Host = "127.0.0.1"

	s, err := Start(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// connectClient performs the handshake and returns the connection and a
// line reader positioned after the WELCOME line.
func connectClient(t *testing.T, s *Server, name string, team, slot int, password string) (net.Conn, *bufio.Scanner) {
	t.Helper()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hello := fmt.Sprintf("HELLO %s %d %d", name, team, slot)
	if password != "" {
		hello += " " + password
	}
	_, err = fmt.Fprintf(conn, "%s\n", hello)
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan(), "expected a handshake response")
	return conn, scanner
}

// waitForClients polls until the server reports n connected clients.
func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Clients()) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartAndClose(t *testing.T) {
	s := startServer(t, Options{})
	port := s.Port()
	require.NotZero(t, port)

	require.NoError(t, s.Close())

	// The port is released once Close returns.
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Close is idempotent.
	require.NoError(t, s.Close())
}

func TestStartPortConflict(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	_, err = Start(context.Background(), Options{
		Host:     "127.0.0.1",
		Port:     port,
		Manifest: testManifest(),
	})
	require.ErrorIs(t, err, ErrRuntimeStart)
}

func TestStartRequiresManifest(t *testing.T) {
	_, err := Start(context.Background(), Options{})
	require.ErrorIs(t, err, ErrRuntimeStart)
}

func TestHandshakeAndClients(t *testing.T) {
	s := startServer(t, Options{})

	_, scanner := connectClient(t, s, "alice", 0, 1, "")
	require.True(t, strings.HasPrefix(scanner.Text(), "WELCOME alice"))

	_, scanner = connectClient(t, s, "carol", 1, 1, "")
	require.True(t, strings.HasPrefix(scanner.Text(), "WELCOME carol"))

	waitForClients(t, s, 2)
	clients := s.Clients()
	require.Equal(t, "alice", clients[0].Name)
	require.Equal(t, 0, clients[0].Team)
	require.Equal(t, 1, clients[0].Slot)
	require.True(t, clients[0].Auth)
	require.Equal(t, "carol", clients[1].Name)
	require.Equal(t, 1, clients[1].Team)
}

func TestHandshakeRejectsUnknownSlot(t *testing.T) {
	s := startServer(t, Options{})

	_, scanner := connectClient(t, s, "mallory", 0, 9, "")
	require.True(t, strings.HasPrefix(scanner.Text(), "DENIED"))
	require.Empty(t, s.Clients())
}

func TestPassword(t *testing.T) {
	pw := "sekrit"
	s := startServer(t, Options{Password: &pw})

	_, scanner := connectClient(t, s, "alice", 0, 1, "wrong")
	require.True(t, strings.HasPrefix(scanner.Text(), "DENIED"))

	_, scanner = connectClient(t, s, "alice", 0, 1, "sekrit")
	require.True(t, strings.HasPrefix(scanner.Text(), "WELCOME"))

	// Clearing the password lets new clients in without one.
	s.SetPassword(nil)
	_, scanner = connectClient(t, s, "bob", 0, 2, "")
	require.True(t, strings.HasPrefix(scanner.Text(), "WELCOME"))
}

func TestKick(t *testing.T) {
	s := startServer(t, Options{})

	_, scanner := connectClient(t, s, "alice", 0, 1, "")
	require.True(t, strings.HasPrefix(scanner.Text(), "WELCOME"))
	waitForClients(t, s, 1)

	// Name matching is case-insensitive.
	require.True(t, s.Kick("ALICE", nil))
	waitForClients(t, s, 0)

	require.False(t, s.Kick("alice", nil))

	// Team filter has to match.
	_, scanner = connectClient(t, s, "carol", 1, 1, "")
	require.True(t, strings.HasPrefix(scanner.Text(), "WELCOME"))
	waitForClients(t, s, 1)

	team := 0
	require.False(t, s.Kick("carol", &team))
	team = 1
	require.True(t, s.Kick("carol", &team))
}

func TestSendItemAndBroadcast(t *testing.T) {
	s := startServer(t, Options{})

	conn, scanner := connectClient(t, s, "bob", 0, 2, "")
	require.True(t, strings.HasPrefix(scanner.Text(), "WELCOME"))
	waitForClients(t, s, 1)
	defer conn.Close()

	require.True(t, s.SendItem("Bob", 0x07, "Fire Rod"))
	require.False(t, s.SendItem("nobody", 0x07, "Fire Rod"))

	require.True(t, scanner.Scan())
	require.Equal(t, "ITEM Fire Rod", scanner.Text())
	require.True(t, scanner.Scan())
	require.Contains(t, scanner.Text(), `sending "Fire Rod" to bob`)
}

func TestForfeit(t *testing.T) {
	s := startServer(t, Options{})

	_, scanner := connectClient(t, s, "alice", 0, 1, "")
	require.True(t, strings.HasPrefix(scanner.Text(), "WELCOME"))
	waitForClients(t, s, 1)

	require.True(t, s.ForfeitPlayer("alice", nil))
	require.False(t, s.ForfeitPlayer("nobody", nil))

	require.True(t, scanner.Scan())
	require.Contains(t, scanner.Text(), "forfeited")
}

func TestSaveRoundTrip(t *testing.T) {
	savePath := filepath.Join(t.TempDir(), "abc123_multisave")

	s := startServer(t, Options{SavePath: savePath, Fingerprint: 42})

	_, scanner := connectClient(t, s, "alice", 0, 1, "")
	require.True(t, strings.HasPrefix(scanner.Text(), "WELCOME"))
	waitForClients(t, s, 1)

	require.True(t, s.SendItem("alice", 0x09, "Hammer"))
	require.NoError(t, s.Close())

	// A new server for the same seed restores the queue.
	s2 := startServer(t, Options{SavePath: savePath, Fingerprint: 42})
	_, scanner = connectClient(t, s2, "alice", 0, 1, "")
	require.Equal(t, "WELCOME alice 1", scanner.Text())
}

func TestSaveMismatchStartsFresh(t *testing.T) {
	savePath := filepath.Join(t.TempDir(), "abc123_multisave")

	s := startServer(t, Options{SavePath: savePath, Fingerprint: 42})
	_, scanner := connectClient(t, s, "alice", 0, 1, "")
	require.True(t, strings.HasPrefix(scanner.Text(), "WELCOME"))
	waitForClients(t, s, 1)
	require.True(t, s.SendItem("alice", 0x09, "Hammer"))
	require.NoError(t, s.Close())

	// Same save path, different seed fingerprint: the save must be
	// ignored, not applied and not fatal.
	s2 := startServer(t, Options{SavePath: savePath, Fingerprint: 43})
	_, scanner = connectClient(t, s2, "alice", 0, 1, "")
	require.Equal(t, "WELCOME alice 0", scanner.Text())
}
