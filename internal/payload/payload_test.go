package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"
)

// compressMultidata builds a zlib-compressed multidata container from a
// JSON-serializable document.
func compressMultidata(t *testing.T, doc map[string]any) []byte {
	t.Helper()

	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err = w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestValidate(t *testing.T) {
	t.Run("parses names and server options", func(t *testing.T) {
		data := compressMultidata(t, map[string]any{
			"names": [][]string{{"alice", "bob"}, {"carol"}},
			"server_options": map[string]any{
				"hint_cost":    500,
				"forfeit_mode": "auto",
			},
		})

		manifest, err := Validate(data)
		require.NoError(t, err)
		require.Equal(t, [][]string{{"alice", "bob"}, {"carol"}}, manifest.Names)
		require.NotNil(t, manifest.ServerOptions)
		require.Equal(t, 500, manifest.ServerOptions.HintCost)
		require.Equal(t, "auto", manifest.ServerOptions.ForfeitMode)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := Validate([]byte("not a zlib stream"))
		require.ErrorIs(t, err, ErrPayloadCorrupt)
	})

	t.Run("rejects compressed non-JSON", func(t *testing.T) {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		_, err := w.Write([]byte("definitely not json"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		_, err = Validate(buf.Bytes())
		require.ErrorIs(t, err, ErrPayloadCorrupt)
	})

	t.Run("rejects containers without players", func(t *testing.T) {
		data := compressMultidata(t, map[string]any{"names": [][]string{}})
		_, err := Validate(data)
		require.ErrorIs(t, err, ErrPayloadCorrupt)
	})
}

func TestFetch(t *testing.T) {
	data := compressMultidata(t, map[string]any{"names": [][]string{{"alice"}}})

	t.Run("sends identifying user agent", func(t *testing.T) {
		var gotAgent string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAgent = r.Header.Get("User-Agent")
			_, _ = w.Write(data)
		}))
		defer srv.Close()

		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		got, err := store.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
		require.Equal(t, data, got)
		require.Equal(t, "SahasrahBot Multiworld Service", gotAgent)
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			http.NotFound(w, r)
		}))
		defer srv.Close()

		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		_, err = store.Fetch(context.Background(), srv.URL)
		require.ErrorIs(t, err, ErrPayloadFetch)
		require.Equal(t, 1, calls)
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls < 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write(data)
		}))
		defer srv.Close()

		store, err := NewStore(t.TempDir())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		got, err := store.Fetch(ctx, srv.URL)
		require.NoError(t, err)
		require.Equal(t, data, got)
		require.Equal(t, 2, calls)
	})
}

func TestPersistLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	data := compressMultidata(t, map[string]any{"names": [][]string{{"alice"}}})

	require.False(t, store.Exists("abc123"))
	require.NoError(t, store.Persist("abc123", data))
	require.True(t, store.Exists("abc123"))

	got, err := store.Load("abc123")
	require.NoError(t, err)
	require.Equal(t, data, got)

	// Overwriting is idempotent.
	require.NoError(t, store.Persist("abc123", data))

	_, err = store.Load("missing")
	require.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("seed one"))
	b := Fingerprint([]byte("seed two"))
	require.NotEqual(t, a, b)
	require.Equal(t, a, Fingerprint([]byte("seed one")))
}
