// Package orchestrator owns the lifecycle of multiworld game sessions:
// creating them from a multidata URL, resuming them after a restart,
// routing operator commands to the running server, and sweeping
// expired games. All state transitions for a token are serialized, so
// at most one live server ever exists per token.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tcprescott/multiworldhost/internal/command"
	"github.com/tcprescott/multiworldhost/internal/models"
	"github.com/tcprescott/multiworldhost/internal/multiserver"
	"github.com/tcprescott/multiworldhost/internal/payload"
	"github.com/tcprescott/multiworldhost/internal/ports"
	"github.com/tcprescott/multiworldhost/internal/store"
	"github.com/tcprescott/multiworldhost/internal/telemetry"
)

const (
	tokenLength   = 6
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	// tokenAttempts bounds collision retries during token generation.
	// With a 36^6 namespace a single retry is already rare.
	tokenAttempts = 10

	// startAttempts bounds how many times a create or resume re-draws a
	// port after losing the probe-to-bind race.
	startAttempts = 3

	defaultStartTimeout = 60 * time.Second
)

// Config holds the orchestrator settings supplied by the command line.
type Config struct {
	// Host is the interface game servers bind to.
	Host string

	// DataDir is where multidata and multisave files live.
	DataDir string

	// PortLow and PortHigh bound the game server port range, inclusive.
	PortLow  int
	PortHigh int

	// Defaults are the host-level server options applied when a
	// multidata carries no server_options document.
	Defaults multiserver.Defaults

	// StartTimeout bounds the fetch plus server start of a single
	// create or resume call.
	StartTimeout time.Duration
}

// Service implements the game lifecycle operations behind the HTTP API.
type Service struct {
	store        store.MultiworldStore
	payloads     *payload.Store
	ports        *ports.Allocator
	registry     *registry
	host         string
	defaults     multiserver.Defaults
	startTimeout time.Duration

	// now is swapped out in tests to age records.
	now func() time.Time
}

// NewService builds a Service on top of a metadata store.
func NewService(cfg Config, st store.MultiworldStore) (*Service, error) {
	payloads, err := payload.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	alloc, err := ports.NewAllocator(cfg.PortLow, cfg.PortHigh)
	if err != nil {
		return nil, err
	}

	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}

	return &Service{
		store:        st,
		payloads:     payloads,
		ports:        alloc,
		registry:     newRegistry(),
		host:         cfg.Host,
		defaults:     cfg.Defaults,
		startTimeout: timeout,
		now:          time.Now,
	}, nil
}

// CreateRequest carries the caller-supplied fields for a new game.
type CreateRequest struct {
	// Token, when set, names the game instead of generating a random
	// token. It must not collide with an existing record.
	Token string

	// MultidataURL is where the multidata container is fetched from.
	MultidataURL string

	// Port, when non-zero, requests a specific listener port. It must
	// lie in the configured range and be free, or the create fails.
	Port int

	Admin    *int64
	Race     bool
	NoExpiry bool
	Meta     map[string]any
}

// Create fetches and validates a multidata container, stands up a game
// server for it, and persists the metadata record. Nothing is persisted
// if any step fails.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Summary, error) {
	if req.MultidataURL == "" {
		return nil, ErrMissingSource
	}

	ctx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()

	data, err := s.fetchMultidata(ctx, req.MultidataURL)
	if err != nil {
		return nil, err
	}

	manifest, err := payload.Validate(data)
	if err != nil {
		return nil, err
	}

	token, err := s.claimToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	lock := s.registry.tokenLock(token)
	lock.Lock()
	defer lock.Unlock()

	if err := s.payloads.Persist(token, data); err != nil {
		return nil, err
	}

	srv, err := s.launch(ctx, token, manifest, payload.Fingerprint(data), req.Race, req.Port, false)
	if err != nil {
		return nil, err
	}

	sess := &session{server: srv, players: manifest.Names}
	if err := s.registry.put(token, sess); err != nil {
		_ = srv.Close()
		return nil, err
	}

	mw := &models.Multiworld{
		Token:        token,
		Port:         srv.Port(),
		NoExpiry:     req.NoExpiry,
		Admin:        req.Admin,
		Race:         req.Race,
		Meta:         req.Meta,
		MultidataURL: req.MultidataURL,
		Active:       true,
	}
	if manifest.ServerOptions != nil {
		mw.Password = manifest.ServerOptions.Password
	}

	if err := s.store.Upsert(ctx, mw); err != nil {
		s.registry.remove(token)
		_ = srv.Close()
		return nil, err
	}

	m := telemetry.GetMetrics()
	m.GamesCreatedTotal.Add(ctx, 1)
	m.ActiveGames.Add(ctx, 1)

	log.Info().
		Str("token", token).
		Int("port", mw.Port).
		Bool("racemode", mw.Race).
		Msg("Multiworld created")

	return buildSummary(mw, sess), nil
}

// Resume restarts the game server for an existing record, preferring
// its previous port and falling back to a fresh allocation when that
// port has been taken in the meantime. A game that is already running
// cannot be resumed again. A multidata file missing from disk is
// refetched from the stored source URL.
func (s *Service) Resume(ctx context.Context, token string) (*models.Summary, error) {
	return s.resume(ctx, token, false)
}

// resume implements Resume. With localOnly set the multidata must be
// on disk; boot recovery uses this so a damaged game degrades
// immediately instead of stalling on a network fetch.
func (s *Service) resume(ctx context.Context, token string, localOnly bool) (*models.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()

	lock := s.registry.tokenLock(token)
	lock.Lock()
	defer lock.Unlock()

	if _, live := s.registry.lookup(token); live {
		return nil, ErrAlreadyActive
	}

	mw, err := s.record(ctx, token)
	if err != nil {
		return nil, err
	}

	data, err := s.payloads.Load(token)
	if err != nil {
		if localOnly || mw.MultidataURL == "" {
			return nil, fmt.Errorf("%w: no multidata on disk for %s", payload.ErrPayloadFetch, token)
		}
		log.Warn().Str("token", token).Msg("Multidata missing on disk, refetching from source")
		data, err = s.fetchMultidata(ctx, mw.MultidataURL)
		if err != nil {
			return nil, err
		}
		if err := s.payloads.Persist(token, data); err != nil {
			return nil, err
		}
	}

	manifest, err := payload.Validate(data)
	if err != nil {
		return nil, err
	}

	srv, err := s.launch(ctx, token, manifest, payload.Fingerprint(data), mw.Race, mw.Port, true)
	if err != nil {
		return nil, err
	}

	sess := &session{server: srv, players: manifest.Names}
	if err := s.registry.put(token, sess); err != nil {
		_ = srv.Close()
		return nil, err
	}

	mw.Port = srv.Port()
	mw.Active = true
	if err := s.store.Upsert(ctx, mw); err != nil {
		s.registry.remove(token)
		_ = srv.Close()
		return nil, err
	}

	m := telemetry.GetMetrics()
	m.GamesResumedTotal.Add(ctx, 1)
	m.ActiveGames.Add(ctx, 1)

	log.Info().Str("token", token).Int("port", mw.Port).Msg("Multiworld resumed")

	return buildSummary(mw, sess), nil
}

// Get returns the current view of a game, live or not.
func (s *Service) Get(ctx context.Context, token string) (*models.Summary, error) {
	mw, err := s.record(ctx, token)
	if err != nil {
		return nil, err
	}

	sess, _ := s.registry.lookup(token)
	return buildSummary(mw, sess), nil
}

// List returns summaries ordered by creation time.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*models.Summary, error) {
	rows, err := s.store.List(ctx, activeOnly)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Summary, 0, len(rows))
	for _, mw := range rows {
		sess, _ := s.registry.lookup(mw.Token)
		out = append(out, buildSummary(mw, sess))
	}
	return out, nil
}

// SendCommand routes one console command line to a running game and
// returns the operator-facing result text. "/exit" closes the game
// instead of being forwarded.
func (s *Service) SendCommand(ctx context.Context, token, text string) (string, error) {
	sess, ok := s.registry.lookup(token)
	if !ok {
		if _, err := s.record(ctx, token); err != nil {
			return "", err
		}
		return "", ErrNotActive
	}

	m := telemetry.GetMetrics()

	result, err := command.Dispatch(sess.server, text)
	if errors.Is(err, command.ErrExit) {
		if err := s.Delete(ctx, token); err != nil {
			return "", err
		}
		return "Game closed.", nil
	}
	if err != nil {
		m.CommandErrorsTotal.Add(ctx, 1)
		return "", err
	}

	m.CommandsDispatchedTotal.Add(ctx, 1)
	return result, nil
}

// UpdateParameter mutates one of the mutable fields of a running game:
// noexpiry, admin, meta, racemode or password. Values arrive as decoded
// JSON, so numbers are float64.
func (s *Service) UpdateParameter(ctx context.Context, token, name string, value any) error {
	lock := s.registry.tokenLock(token)
	lock.Lock()
	defer lock.Unlock()

	// Liveness is checked under the token lock so a concurrent delete
	// cannot slip between the check and the write.
	if _, live := s.registry.lookup(token); !live {
		if _, err := s.record(ctx, token); err != nil {
			return err
		}
		return ErrNotActive
	}

	mw, err := s.record(ctx, token)
	if err != nil {
		return err
	}

	switch name {
	case "noexpiry":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: noexpiry wants a boolean", ErrInvalidValue)
		}
		mw.NoExpiry = b

	case "admin":
		admin, err := coerceAdmin(value)
		if err != nil {
			return err
		}
		mw.Admin = admin

	case "meta":
		switch v := value.(type) {
		case nil:
			mw.Meta = nil
		case map[string]any:
			mw.Meta = v
		default:
			return fmt.Errorf("%w: meta wants an object", ErrInvalidValue)
		}

	case "racemode":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: racemode wants a boolean", ErrInvalidValue)
		}
		mw.Race = b

	case "password":
		switch v := value.(type) {
		case nil:
			mw.Password = nil
		case string:
			mw.Password = &v
		default:
			return fmt.Errorf("%w: password wants a string", ErrInvalidValue)
		}
		// Take effect immediately for new connections.
		if sess, live := s.registry.lookup(token); live {
			sess.server.SetPassword(mw.Password)
		}

	default:
		return fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}

	if err := s.store.Upsert(ctx, mw); err != nil {
		return err
	}

	log.Info().Str("token", token).Str("param", name).Msg("Multiworld parameter updated")
	return nil
}

// Delete stops a running game and marks its record inactive. The
// record and multidata file are kept, so the game can be resumed.
func (s *Service) Delete(ctx context.Context, token string) error {
	lock := s.registry.tokenLock(token)
	lock.Lock()
	defer lock.Unlock()

	return s.stopLocked(ctx, token)
}

// Cleanup stops every running game whose record was last touched
// before now minus maxAge, unless the game is flagged noexpiry. It
// returns the tokens of the games it stopped.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := s.now().Add(-maxAge)
	cleaned := []string{}

	for _, token := range s.registry.tokens() {
		lock := s.registry.tokenLock(token)
		lock.Lock()

		mw, err := s.record(ctx, token)
		if err != nil {
			lock.Unlock()
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return cleaned, err
		}

		if mw.NoExpiry || !mw.UpdatedAt.Before(cutoff) {
			lock.Unlock()
			continue
		}

		if err := s.stopLocked(ctx, token); err != nil && !errors.Is(err, ErrNotActive) {
			lock.Unlock()
			return cleaned, err
		}
		lock.Unlock()

		telemetry.GetMetrics().GamesSweptTotal.Add(ctx, 1)
		log.Info().Str("token", token).Msg("Expired multiworld cleaned up")
		cleaned = append(cleaned, token)
	}

	return cleaned, nil
}

// Shutdown stops every running game without deactivating its record,
// so boot recovery resumes them on the next start.
func (s *Service) Shutdown(ctx context.Context) {
	for _, token := range s.registry.tokens() {
		lock := s.registry.tokenLock(token)
		lock.Lock()

		if sess := s.registry.remove(token); sess != nil {
			if err := sess.server.Close(); err != nil {
				log.Error().Err(err).Str("token", token).Msg("Failed to stop multiworld server")
			}
			telemetry.GetMetrics().ActiveGames.Add(ctx, -1)
		}
		lock.Unlock()
	}

	log.Info().Msg("All multiworld servers stopped")
}

// stopLocked tears down a runtime and deactivates the record. The
// caller holds the token lock.
func (s *Service) stopLocked(ctx context.Context, token string) error {
	sess := s.registry.remove(token)
	if sess == nil {
		if _, err := s.record(ctx, token); err != nil {
			return err
		}
		return ErrNotActive
	}

	if err := sess.server.Close(); err != nil {
		log.Error().Err(err).Str("token", token).Msg("Failed to stop multiworld server")
	}

	if err := s.store.Deactivate(ctx, token); err != nil {
		return err
	}

	m := telemetry.GetMetrics()
	m.GamesClosedTotal.Add(ctx, 1)
	m.ActiveGames.Add(ctx, -1)

	log.Info().Str("token", token).Msg("Multiworld closed")
	return nil
}

// record fetches the metadata row, translating the store sentinel to
// the boundary sentinel.
func (s *Service) record(ctx context.Context, token string) (*models.Multiworld, error) {
	mw, err := s.store.Get(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrMultiworldNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
		}
		return nil, err
	}
	return mw, nil
}

// claimToken picks the token for a new game. An explicit token must be
// unclaimed; a generated one retries on the unlikely collision.
func (s *Service) claimToken(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		_, err := s.store.Get(ctx, explicit)
		if err == nil {
			return "", fmt.Errorf("%w: %s", store.ErrTokenExists, explicit)
		}
		if !errors.Is(err, store.ErrMultiworldNotFound) {
			return "", err
		}
		return explicit, nil
	}

	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token := randomToken()
		_, err := s.store.Get(ctx, token)
		if errors.Is(err, store.ErrMultiworldNotFound) {
			return token, nil
		}
		if err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("%w: exhausted %d attempts", store.ErrTokenExists, tokenAttempts)
}

func randomToken() string {
	b := make([]byte, tokenLength)
	for i := range b {
		b[i] = tokenAlphabet[rand.IntN(len(tokenAlphabet))]
	}
	return string(b)
}

// fetchMultidata downloads the multidata container, recording fetch
// metrics.
func (s *Service) fetchMultidata(ctx context.Context, url string) ([]byte, error) {
	m := telemetry.GetMetrics()
	started := time.Now()

	m.MultidataFetchTotal.Add(ctx, 1)
	data, err := s.payloads.Fetch(ctx, url)
	m.MultidataFetchDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	if err != nil {
		m.MultidataFetchErrorsTotal.Add(ctx, 1)
		return nil, err
	}
	return data, nil
}

// launch allocates a port and starts the game server, retrying with a
// fresh port when the probe-to-bind race is lost. An explicitly
// requested port is tried exactly once so the conflict surfaces to the
// caller.
func (s *Service) launch(ctx context.Context, token string, manifest *payload.Manifest, fingerprint uint64, race bool, preferred int, fallback bool) (*multiserver.Server, error) {
	m := telemetry.GetMetrics()

	for attempt := 0; ; attempt++ {
		var (
			port int
			err  error
		)
		if fallback {
			port, err = s.ports.AllocateWithFallback(preferred)
		} else {
			port, err = s.ports.Allocate(preferred)
		}
		if err != nil {
			if errors.Is(err, ports.ErrNoPortAvailable) {
				m.PortExhaustionTotal.Add(ctx, 1)
			}
			return nil, err
		}
		m.PortAllocationsTotal.Add(ctx, 1)

		opts := multiserver.BuildOptions(s.defaults, manifest.ServerOptions, race)
		opts.Host = s.host
		opts.Port = port
		opts.SavePath = s.payloads.SavePath(token)
		opts.Manifest = manifest
		opts.Fingerprint = fingerprint

		srv, err := multiserver.Start(ctx, opts)
		if err == nil {
			return srv, nil
		}

		pinned := preferred != 0 && !fallback
		if !errors.Is(err, multiserver.ErrRuntimeStart) || pinned || attempt+1 >= startAttempts {
			return nil, err
		}
		log.Warn().Err(err).Str("token", token).Int("port", port).Msg("Lost the bind race, retrying with a fresh port")
	}
}

// buildSummary derives the boundary view from the stored record plus
// live runtime state. Roster and clients are present only while the
// game is running.
func buildSummary(mw *models.Multiworld, sess *session) *models.Summary {
	sum := &models.Summary{
		Token:     mw.Token,
		NoExpiry:  mw.NoExpiry,
		Race:      mw.Race,
		Admin:     mw.Admin,
		Meta:      mw.Meta,
		CreatedAt: mw.CreatedAt,
		UpdatedAt: mw.UpdatedAt,
	}

	if sess != nil {
		sum.Active = true
		sum.Port = sess.server.Port()
		sum.Players = sess.players
		sum.Clients = sess.server.Clients()
	}

	return sum
}

func coerceAdmin(value any) (*int64, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		n := int64(v)
		return &n, nil
	case int:
		n := int64(v)
		return &n, nil
	case int64:
		return &v, nil
	default:
		return nil, fmt.Errorf("%w: admin wants a number", ErrInvalidValue)
	}
}
