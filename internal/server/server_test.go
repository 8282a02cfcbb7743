package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	"github.com/tcprescott/multiworldhost/internal/multiserver"
	"github.com/tcprescott/multiworldhost/internal/orchestrator"
	"github.com/tcprescott/multiworldhost/internal/store"
)

func multidataURL(t *testing.T, names [][]string) string {
	t.Helper()

	doc := map[string]any{
		"names":        names,
		"roms":         []any{},
		"remote_items": []any{},
		"locations":    []any{},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(src.Close)
	return src.URL
}

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()

	svc, err := orchestrator.NewService(orchestrator.Config{
		Host:     "127.0.0.1",
		DataDir:  t.TempDir(),
		PortLow:  32000,
		PortHigh: 32999,
		Defaults: multiserver.DefaultOptions(),
	}, store.NewMemoryMultiworldStore())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	api := httptest.NewServer(NewServer(svc).Handler())
	t.Cleanup(api.Close)
	return api
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestCreateAndGetGame(t *testing.T) {
	api := newTestAPI(t)
	src := multidataURL(t, [][]string{{"alice", "bob"}})

	status, game := doJSON(t, http.MethodPost, api.URL+"/game", map[string]any{
		"multidata_url": src,
		"admin":         12345,
		"noexpiry":      true,
		"meta":          map[string]any{"episode": "ep1"},
	})
	require.Equal(t, http.StatusOK, status)

	token, ok := game["token"].(string)
	require.True(t, ok)
	require.Len(t, token, 6)
	require.Equal(t, true, game["active"])
	require.Equal(t, true, game["noexpiry"])
	require.NotZero(t, game["port"])

	status, got := doJSON(t, http.MethodGet, api.URL+"/game/"+token, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, token, got["token"])
	require.Equal(t, float64(12345), got["admin"])

	status, list := doJSON(t, http.MethodGet, api.URL+"/game?active=true", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(1), list["count"])
}

func TestCreateGameErrors(t *testing.T) {
	api := newTestAPI(t)

	t.Run("missing source", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, api.URL+"/game", map[string]any{})
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, false, body["success"])
		require.Equal(t, "Bad Request", body["name"])
		require.Equal(t, float64(http.StatusBadRequest), body["status_code"])
	})

	t.Run("duplicate token", func(t *testing.T) {
		src := multidataURL(t, [][]string{{"alice"}})

		status, _ := doJSON(t, http.MethodPost, api.URL+"/game", map[string]any{
			"token": "dup123", "multidata_url": src,
		})
		require.Equal(t, http.StatusOK, status)

		status, body := doJSON(t, http.MethodPost, api.URL+"/game", map[string]any{
			"token": "dup123", "multidata_url": src,
		})
		require.Equal(t, http.StatusConflict, status)
		require.Equal(t, false, body["success"])
	})

	t.Run("unreachable source", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodPost, api.URL+"/game", map[string]any{
			"multidata_url": "http://127.0.0.1:1/multidata",
		})
		require.Equal(t, http.StatusBadGateway, status)
	})
}

func TestGameNotFound(t *testing.T) {
	api := newTestAPI(t)

	status, body := doJSON(t, http.MethodGet, api.URL+"/game/nosuch", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, false, body["success"])
	require.Equal(t, "Not Found", body["name"])
	require.Contains(t, body["description"], "nosuch")
}

func TestSendMessage(t *testing.T) {
	api := newTestAPI(t)
	src := multidataURL(t, [][]string{{"alice"}})

	_, game := doJSON(t, http.MethodPost, api.URL+"/game", map[string]any{"multidata_url": src})
	token := game["token"].(string)

	status, body := doJSON(t, http.MethodPut, api.URL+"/game/"+token+"/msg", map[string]any{
		"msg": "/players",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.Contains(t, body["resp"], "No clients connected")

	status, body = doJSON(t, http.MethodPut, api.URL+"/game/"+token+"/msg", map[string]any{
		"msg": "/exit",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Game closed.", body["resp"])

	status, _ = doJSON(t, http.MethodPut, api.URL+"/game/"+token+"/msg", map[string]any{
		"msg": "/players",
	})
	require.Equal(t, http.StatusConflict, status)

	status, _ = doJSON(t, http.MethodPut, api.URL+"/game/"+token+"/msg", map[string]any{})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestUpdateParameter(t *testing.T) {
	api := newTestAPI(t)
	src := multidataURL(t, [][]string{{"alice"}})

	_, game := doJSON(t, http.MethodPost, api.URL+"/game", map[string]any{"multidata_url": src})
	token := game["token"].(string)

	status, body := doJSON(t, http.MethodPut, api.URL+"/game/"+token+"/noexpiry", map[string]any{
		"value": true,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])

	status, got := doJSON(t, http.MethodGet, api.URL+"/game/"+token, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, got["noexpiry"])

	status, _ = doJSON(t, http.MethodPut, api.URL+"/game/"+token+"/bogus", map[string]any{
		"value": true,
	})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestDeleteGame(t *testing.T) {
	api := newTestAPI(t)
	src := multidataURL(t, [][]string{{"alice"}})

	_, game := doJSON(t, http.MethodPost, api.URL+"/game", map[string]any{"multidata_url": src})
	token := game["token"].(string)

	status, body := doJSON(t, http.MethodDelete, api.URL+"/game/"+token, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])

	// The record survives as inactive; a second delete conflicts.
	status, got := doJSON(t, http.MethodGet, api.URL+"/game/"+token, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, got["active"])

	status, _ = doJSON(t, http.MethodDelete, api.URL+"/game/"+token, nil)
	require.Equal(t, http.StatusConflict, status)
}

func TestCleanupEndpoint(t *testing.T) {
	api := newTestAPI(t)
	src := multidataURL(t, [][]string{{"alice"}})

	_, game := doJSON(t, http.MethodPost, api.URL+"/game", map[string]any{"multidata_url": src})
	require.NotEmpty(t, game["token"])

	// Nothing is older than an hour, so nothing is cleaned.
	status, body := doJSON(t, http.MethodPost, api.URL+"/jobs/cleanup/60", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(0), body["count"])

	// Everything is older than zero minutes.
	status, body = doJSON(t, http.MethodPost, api.URL+"/jobs/cleanup/0", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(1), body["count"])

	status, _ = doJSON(t, http.MethodPost, api.URL+"/jobs/cleanup/nope", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	resp, err := http.Get(fmt.Sprintf("%s/health", api.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
