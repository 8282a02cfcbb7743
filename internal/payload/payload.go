// Package payload manages multidata containers: the compressed seed
// files a multiworld session is started from. It fetches them from a
// URL, keeps one copy per token on local storage, and validates the
// container before any session is allowed to bind a port.
package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v5"
	"github.com/gregjones/httpcache"
	"github.com/klauspost/compress/zlib"
	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"
)

// userAgent identifies the service to the seed-hosting side.
const userAgent = "SahasrahBot Multiworld Service"

// maxFetchBytes caps a multidata download at 64 MiB. Real containers
// are a few hundred kilobytes; the cap only has to stop a misdirected
// URL from buffering something enormous.
const maxFetchBytes = 64 << 20

var (
	ErrPayloadFetch   = errors.New("payload fetch failed")
	ErrPayloadCorrupt = errors.New("payload corrupt")
)

// ServerOptions is the optional per-session options document embedded
// in a multidata container. Zero values fall back to host defaults.
type ServerOptions struct {
	Password             *string `json:"password"`
	LocationCheckPoints  int     `json:"location_check_points"`
	HintCost             int     `json:"hint_cost"`
	DisableItemCheat     bool    `json:"disable_item_cheat"`
	ForfeitMode          string  `json:"forfeit_mode"`
	RemainingMode        string  `json:"remaining_mode"`
	DisableClientForfeit bool    `json:"disable_client_forfeit"`
}

// Manifest is the parsed view of a multidata container. Names is the
// team-major matrix of player display names; slot numbers are the
// one-based index into each row.
type Manifest struct {
	Names         [][]string      `json:"names"`
	Roms          json.RawMessage `json:"roms"`
	RemoteItems   json.RawMessage `json:"remote_items"`
	Locations     json.RawMessage `json:"locations"`
	ServerOptions *ServerOptions  `json:"server_options"`
}

// Store fetches and persists multidata containers, one file per token.
type Store struct {
	dataDir string
	client  *http.Client
}

// NewStore returns a payload store rooted at dataDir. Fetches go
// through an in-memory caching transport so a retried create does not
// re-download an unchanged container.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Store{
		dataDir: dataDir,
		client: &http.Client{
			Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
		},
	}, nil
}

// Fetch downloads a multidata container, retrying transient failures
// with exponential backoff. The context bounds the whole operation
// including retries. HTTP 4xx responses are not retried.
func (s *Store) Fetch(ctx context.Context, url string) ([]byte, error) {
	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrPayloadFetch, err))
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadFetch, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("%w: status %d", ErrPayloadFetch, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: status %d", ErrPayloadFetch, resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadFetch, err)
		}
		return data, nil
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return nil, err
	}

	log.Info().Str("url", url).Int("bytes", len(data)).Msg("Fetched multidata")
	return data, nil
}

// Persist writes the container to this token's multidata file,
// overwriting any prior content. Idempotent.
func (s *Store) Persist(token string, data []byte) error {
	if err := os.WriteFile(s.Path(token), data, 0o644); err != nil {
		return fmt.Errorf("failed to persist multidata for %s: %w", token, err)
	}
	return nil
}

// Load reads the container persisted for a token. Resume and boot
// recovery use this instead of re-fetching over the network.
func (s *Store) Load(token string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(token))
	if err != nil {
		return nil, fmt.Errorf("failed to load multidata for %s: %w", token, err)
	}
	return data, nil
}

// Exists reports whether a multidata file is already persisted for the
// token.
func (s *Store) Exists(token string) bool {
	_, err := os.Stat(s.Path(token))
	return err == nil
}

// Path returns the deterministic multidata path for a token.
func (s *Store) Path(token string) string {
	return filepath.Join(s.dataDir, token+"_multidata")
}

// SavePath returns the save-state path paired with a token's multidata.
func (s *Store) SavePath(token string) string {
	return filepath.Join(s.dataDir, token+"_multisave")
}

// Validate decompresses and parses a container, returning its manifest.
// It runs before a session start so corrupt payloads fail fast, before
// a port has been bound.
func Validate(data []byte) (*Manifest, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadCorrupt, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadCorrupt, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadCorrupt, err)
	}

	if len(manifest.Names) == 0 {
		return nil, fmt.Errorf("%w: no player names", ErrPayloadCorrupt)
	}

	return &manifest, nil
}

// Fingerprint identifies a container's content. Save states record the
// fingerprint of the multidata they belong to, so a save written for a
// different seed is detected instead of silently applied.
func Fingerprint(data []byte) uint64 {
	return crc64nvme.Checksum(data)
}
