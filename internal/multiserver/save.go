package multiserver

import (
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog/log"
)

// saveState is the durable session state written next to the multidata
// file. The fingerprint ties a save to the seed it was produced from.
type saveState struct {
	Fingerprint uint64       `json:"fingerprint"`
	Forfeited   []teamSlot   `json:"forfeited"`
	Received    []savedQueue `json:"received_items"`
}

type savedQueue struct {
	Team  int            `json:"team"`
	Slot  int            `json:"slot"`
	Items []ReceivedItem `json:"items"`
}

// loadSave restores session state from the save file, if one exists. A
// missing file starts a fresh session. A save written for a different
// multidata is a validation failure for the load, not for the start:
// the mismatch is logged and the session begins empty.
func (s *Server) loadSave() {
	if s.opts.DisableSave || s.opts.SavePath == "" {
		return
	}

	data, err := os.ReadFile(s.opts.SavePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("save", s.opts.SavePath).Msg("No save data found, starting a new game")
		} else {
			log.Error().Err(err).Str("save", s.opts.SavePath).Msg("Failed to read save data, starting a new game")
		}
		return
	}

	state, err := decodeSave(data)
	if err != nil {
		log.Error().Err(err).Str("save", s.opts.SavePath).Msg("Corrupt save data, starting a new game")
		return
	}

	if state.Fingerprint != s.opts.Fingerprint {
		log.Error().
			Str("save", s.opts.SavePath).
			Uint64("save_fingerprint", state.Fingerprint).
			Uint64("multidata_fingerprint", s.opts.Fingerprint).
			Msg("Save file does not match multidata, starting a new game")
		return
	}

	total := 0
	for _, q := range state.Received {
		s.received[teamSlot{q.Team, q.Slot}] = q.Items
		total += len(q.Items)
	}
	for _, ts := range state.Forfeited {
		s.forfeited[ts] = true
	}

	log.Info().
		Int("received_items", total).
		Int("queues", len(state.Received)).
		Msg("Loaded save data")
}

// persistSave writes the current session state. Failures are logged and
// swallowed; losing a save write must never take the session down.
func (s *Server) persistSave() {
	if s.opts.DisableSave || s.opts.SavePath == "" {
		return
	}

	s.mu.Lock()
	state := saveState{Fingerprint: s.opts.Fingerprint}
	for ts, items := range s.received {
		state.Received = append(state.Received, savedQueue{Team: ts.Team, Slot: ts.Slot, Items: items})
	}
	for ts, forfeited := range s.forfeited {
		if forfeited {
			state.Forfeited = append(state.Forfeited, ts)
		}
	}
	s.mu.Unlock()

	data, err := encodeSave(&state)
	if err != nil {
		log.Error().Err(err).Str("save", s.opts.SavePath).Msg("Failed to encode save data")
		return
	}

	if err := os.WriteFile(s.opts.SavePath, data, 0o644); err != nil {
		log.Error().Err(err).Str("save", s.opts.SavePath).Msg("Failed to write save data")
	}
}

func decodeSave(data []byte) (*saveState, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var state saveState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func encodeSave(state *saveState) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
