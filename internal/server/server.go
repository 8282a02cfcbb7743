// Package server exposes the game lifecycle over a JSON REST API.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tcprescott/multiworldhost/internal/orchestrator"
	"github.com/tcprescott/multiworldhost/internal/payload"
	"github.com/tcprescott/multiworldhost/internal/ports"
	"github.com/tcprescott/multiworldhost/internal/store"
)

// Server wraps the orchestrator service behind HTTP handlers.
type Server struct {
	svc *orchestrator.Service
}

// NewServer creates a new server on top of the orchestrator.
func NewServer(svc *orchestrator.Service) *Server {
	return &Server{svc: svc}
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("POST /game", s.createGame)
	mux.HandleFunc("GET /game", s.listGames)
	mux.HandleFunc("POST /game/{token}", s.resumeGame)
	mux.HandleFunc("GET /game/{token}", s.getGame)
	mux.HandleFunc("DELETE /game/{token}", s.deleteGame)
	mux.HandleFunc("PUT /game/{token}/msg", s.sendMessage)
	mux.HandleFunc("PUT /game/{token}/{param}", s.updateParameter)
	mux.HandleFunc("POST /jobs/cleanup/{minutes}", s.cleanup)

	return mux
}

type createGameRequest struct {
	Token        string         `json:"token"`
	MultidataURL string         `json:"multidata_url"`
	Port         int            `json:"port"`
	Admin        *int64         `json:"admin"`
	Race         bool           `json:"racemode"`
	NoExpiry     bool           `json:"noexpiry"`
	Meta         map[string]any `json:"meta"`
}

func (s *Server) createGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sum, err := s.svc.Create(r.Context(), orchestrator.CreateRequest{
		Token:        req.Token,
		MultidataURL: req.MultidataURL,
		Port:         req.Port,
		Admin:        req.Admin,
		Race:         req.Race,
		NoExpiry:     req.NoExpiry,
		Meta:         req.Meta,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) resumeGame(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Resume(r.Context(), r.PathValue("token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) getGame(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Get(r.Context(), r.PathValue("token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) listGames(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	sums, err := s.svc.List(r.Context(), activeOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(sums),
		"games": sums,
	})
}

func (s *Server) deleteGame(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), r.PathValue("token")); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Msg string `json:"msg"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Msg == "" {
		writeError(w, http.StatusBadRequest, "msg is required")
		return
	}

	resp, err := s.svc.SendCommand(r.Context(), r.PathValue("token"), req.Msg)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "resp": resp})
}

func (s *Server) updateParameter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	err := s.svc.UpdateParameter(r.Context(), r.PathValue("token"), r.PathValue("param"), req.Value)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	minutes, err := strconv.Atoi(r.PathValue("minutes"))
	if err != nil || minutes < 0 {
		writeError(w, http.StatusBadRequest, "minutes must be a non-negative integer")
		return
	}

	cleaned, err := s.svc.Cleanup(r.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"count":          len(cleaned),
		"cleaned_tokens": cleaned,
	})
}

// writeServiceError maps orchestrator sentinels onto HTTP statuses.
// Unrecognized errors become a generic 500; the detail stays in the
// log rather than the response.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNotActive),
		errors.Is(err, orchestrator.ErrAlreadyActive),
		errors.Is(err, store.ErrTokenExists),
		errors.Is(err, ports.ErrPortInUse):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrMissingSource),
		errors.Is(err, orchestrator.ErrUnknownParameter),
		errors.Is(err, orchestrator.ErrInvalidValue),
		errors.Is(err, payload.ErrPayloadCorrupt),
		errors.Is(err, ports.ErrPortOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, payload.ErrPayloadFetch):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, ports.ErrNoPortAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, description string) {
	writeJSON(w, status, map[string]any{
		"success":     false,
		"name":        http.StatusText(status),
		"description": description,
		"status_code": status,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
