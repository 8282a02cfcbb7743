// Package multiserver runs one per-session coordination server. The
// orchestrator treats a running server as an opaque handle: it can list
// connected clients, mutate session state through typed operations, and
// shut the server down. Everything else (the client wire protocol, item
// bookkeeping) is internal to this package.
package multiserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tcprescott/multiworldhost/internal/models"
	"github.com/tcprescott/multiworldhost/internal/payload"
)

// ErrRuntimeStart wraps bind failures so callers can distinguish a lost
// port race from payload problems and retry with a fresh allocation.
var ErrRuntimeStart = errors.New("runtime start failed")

// Options configures a session server start.
type Options struct {
	Host                string
	Port                int
	Password            *string
	LocationCheckPoints int
	HintCost            int
	ItemCheat           bool
	ForfeitMode         string
	RemainingMode       string
	DisableSave         bool

	// SavePath is where session state is persisted between runs.
	SavePath string

	// Manifest is the validated multidata the session is seeded from.
	Manifest *payload.Manifest

	// Fingerprint identifies the multidata; a save file written for a
	// different seed is rejected at load time.
	Fingerprint uint64
}

// ReceivedItem is one queued item for a player slot.
type ReceivedItem struct {
	Item   byte   `json:"item"`
	Origin string `json:"origin"`
	Slot   int    `json:"slot"`
}

type teamSlot struct {
	Team int
	Slot int
}

type client struct {
	conn net.Conn
	name string
	team int
	slot int
	auth bool

	writeMu sync.Mutex
}

func (c *client) send(line string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = fmt.Fprintf(c.conn, "%s\n", line)
}

// Server is a running session bound to one port. It owns the listening
// socket for its whole lifetime; Close releases it.
type Server struct {
	opts     Options
	listener net.Listener

	mu        sync.Mutex
	clients   []*client
	password  *string
	received  map[teamSlot][]ReceivedItem
	forfeited map[teamSlot]bool
	closed    bool

	wg sync.WaitGroup
}

// Start binds the session server and begins accepting clients. A bind
// failure returns ErrRuntimeStart. An unreadable or mismatched save
// file is not fatal: the session starts fresh and the discrepancy is
// logged.
func Start(ctx context.Context, opts Options) (*Server, error) {
	if opts.Manifest == nil {
		return nil, fmt.Errorf("%w: no manifest", ErrRuntimeStart)
	}
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeStart, err)
	}

	s := &Server{
		opts:      opts,
		listener:  listener,
		password:  opts.Password,
		received:  make(map[teamSlot][]ReceivedItem),
		forfeited: make(map[teamSlot]bool),
	}

	s.loadSave()

	s.wg.Add(1)
	go s.acceptLoop()

	log.Info().
		Str("host", opts.Host).
		Int("port", opts.Port).
		Bool("password", opts.Password != nil).
		Msg("Hosting session")

	return s, nil
}

// Port returns the port the server is bound to.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn authenticates a client and keeps the connection registered
// until it drops. The first line must be:
//
//	HELLO <name> <team> <slot> [password]
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	c, err := s.authenticate(conn, scanner.Text())
	if err != nil {
		_, _ = fmt.Fprintf(conn, "DENIED %s\n", err)
		return
	}

	s.mu.Lock()
	s.clients = append(s.clients, c)
	queued := len(s.received[teamSlot{c.team, c.slot}])
	s.mu.Unlock()

	c.send(fmt.Sprintf("WELCOME %s %d", c.name, queued))
	log.Info().
		Str("name", c.name).
		Int("team", c.team).
		Int("slot", c.slot).
		Msg("Client authenticated")

	// Drain the connection; client chatter beyond the handshake is not
	// part of the orchestration surface.
	for scanner.Scan() {
	}

	s.removeClient(c)
	log.Info().Str("name", c.name).Msg("Client disconnected")
}

func (s *Server) authenticate(conn net.Conn, line string) (*client, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "HELLO" {
		return nil, errors.New("bad handshake")
	}

	name := fields[1]
	team, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, errors.New("bad team")
	}
	slot, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, errors.New("bad slot")
	}

	names := s.opts.Manifest.Names
	if team < 0 || team >= len(names) || slot < 1 || slot > len(names[team]) {
		return nil, errors.New("no such slot")
	}

	s.mu.Lock()
	password := s.password
	s.mu.Unlock()

	if password != nil && *password != "" {
		if len(fields) < 5 || fields[4] != *password {
			return nil, errors.New("bad password")
		}
	}

	return &client{conn: conn, name: name, team: team, slot: slot, auth: true}, nil
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cl := range s.clients {
		if cl == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}

// Clients returns the connected clients ordered by team then slot.
func (s *Server) Clients() []models.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, models.Client{
			Team: c.team,
			Slot: c.slot,
			Name: c.name,
			Auth: c.auth,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Team != out[j].Team {
			return out[i].Team < out[j].Team
		}
		return out[i].Slot < out[j].Slot
	})

	return out
}

// SetPassword sets or clears the connection password. Existing clients
// stay connected; only new handshakes are checked.
func (s *Server) SetPassword(password *string) {
	s.mu.Lock()
	s.password = password
	s.mu.Unlock()

	if password == nil {
		log.Info().Int("port", s.opts.Port).Msg("Password cleared")
	} else {
		log.Info().Int("port", s.opts.Port).Msg("Password set")
	}
}

// findClient returns the first authenticated client matching name
// (case-insensitive) and, when team is non-nil, the given team. The
// caller must hold s.mu.
func (s *Server) findClient(name string, team *int) *client {
	for _, c := range s.clients {
		if !c.auth || !strings.EqualFold(c.name, name) {
			continue
		}
		if team != nil && c.team != *team {
			continue
		}
		return c
	}
	return nil
}

// Kick disconnects the first authenticated client matching name and
// optional team. Returns false when no client matched.
func (s *Server) Kick(name string, team *int) bool {
	s.mu.Lock()
	c := s.findClient(name, team)
	s.mu.Unlock()

	if c == nil {
		return false
	}

	c.send("KICKED")
	_ = c.conn.Close()
	log.Info().Str("name", c.name).Int("team", c.team).Int("slot", c.slot).Msg("Kicked client")
	return true
}

// ForfeitSlot marks a slot's remaining objectives forfeited and
// announces it to all clients.
func (s *Server) ForfeitSlot(team, slot int) {
	s.mu.Lock()
	s.forfeited[teamSlot{team, slot}] = true
	s.mu.Unlock()

	s.Broadcast(fmt.Sprintf("Slot %d (team %d) has forfeited", slot, team+1))
	s.persistSave()
}

// ForfeitPlayer resolves a player name to (team, slot) the same way
// Kick does and forfeits that slot. Returns false when no client
// matched.
func (s *Server) ForfeitPlayer(name string, team *int) bool {
	s.mu.Lock()
	c := s.findClient(name, team)
	s.mu.Unlock()

	if c == nil {
		return false
	}

	s.ForfeitSlot(c.team, c.slot)
	return true
}

// SendItem queues an item for the named player and notifies all
// connected clients. Returns false when no authenticated client matches
// the name.
func (s *Server) SendItem(player string, itemID byte, itemName string) bool {
	s.mu.Lock()
	c := s.findClient(player, nil)
	if c == nil {
		s.mu.Unlock()
		return false
	}

	key := teamSlot{c.team, c.slot}
	s.received[key] = append(s.received[key], ReceivedItem{
		Item:   itemID,
		Origin: "cheat console",
		Slot:   c.slot,
	})
	c.send(fmt.Sprintf("ITEM %s", itemName))
	s.mu.Unlock()

	s.Broadcast(fmt.Sprintf("Cheat console: sending %q to %s", itemName, c.name))
	s.persistSave()
	return true
}

// Broadcast sends a chat line to every connected client.
func (s *Server) Broadcast(text string) {
	s.mu.Lock()
	clients := make([]*client, len(s.clients))
	copy(clients, s.clients)
	s.mu.Unlock()

	for _, c := range clients {
		c.send(fmt.Sprintf("CHAT %s", text))
	}
}

// Close shuts the server down: the listener is closed first so the port
// is released, then all client connections are dropped. Idempotent; a
// second Close returns nil without side effects.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*client, len(s.clients))
	copy(clients, s.clients)
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range clients {
		_ = c.conn.Close()
	}
	s.wg.Wait()
	s.persistSave()

	log.Info().Int("port", s.opts.Port).Msg("Session stopped")
	return err
}
