package models

import (
	"time"
)

// Multiworld is the durable metadata record for one hosted session.
// The token is the primary key and never changes once assigned. The
// runtime handle is deliberately absent here; it lives only in the
// registry for the lifetime of the process.
type Multiworld struct {
	Token        string
	Port         int
	NoExpiry     bool
	Admin        *int64
	Race         bool
	Meta         map[string]any
	MultidataURL string
	Password     *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Active       bool
}

// Clone returns a deep copy so callers can mutate without racing the
// registry or the memory store.
func (m *Multiworld) Clone() *Multiworld {
	out := *m
	if m.Admin != nil {
		admin := *m.Admin
		out.Admin = &admin
	}
	if m.Password != nil {
		pw := *m.Password
		out.Password = &pw
	}
	if m.Meta != nil {
		out.Meta = make(map[string]any, len(m.Meta))
		for k, v := range m.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

// Client describes one connected session client as reported by the
// runtime. Teams are zero-based and slots one-based, matching the
// multidata layout.
type Client struct {
	Team int    `json:"team"`
	Slot int    `json:"slot"`
	Name string `json:"name"`
	Auth bool   `json:"auth"`
}

// Summary is the read-only view returned by the service boundary. It is
// derived from registry and runtime state on every call, never stored.
type Summary struct {
	Token     string         `json:"token"`
	Port      int            `json:"port,omitempty"`
	Active    bool           `json:"active"`
	NoExpiry  bool           `json:"noexpiry"`
	Race      bool           `json:"racemode"`
	Admin     *int64         `json:"admin"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Players   [][]string     `json:"players,omitempty"`
	Clients   []Client       `json:"clients,omitempty"`
}
