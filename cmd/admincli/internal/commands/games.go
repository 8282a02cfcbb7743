package commands

import (
	"context"
	"fmt"
	"net/http"
)

type CreateCmd struct {
	Server       string `help:"Host service URL" default:"http://localhost:5000" env:"MWHOST_SERVER"`
	MultidataURL string `arg:"" help:"URL of the multidata container"`
	Token        string `help:"explicit token instead of a generated one" default:""`
	Port         int    `help:"explicit game server port" default:"0"`
	Admin        *int64 `help:"admin user ID"`
	Race         bool   `help:"host in race mode" default:"false"`
	NoExpiry     bool   `help:"exempt the game from expiry sweeps" default:"false"`
}

func (c *CreateCmd) Run(ctx context.Context, globals *Globals) error {
	body := map[string]any{
		"multidata_url": c.MultidataURL,
		"racemode":      c.Race,
		"noexpiry":      c.NoExpiry,
	}
	if c.Token != "" {
		body["token"] = c.Token
	}
	if c.Port != 0 {
		body["port"] = c.Port
	}
	if c.Admin != nil {
		body["admin"] = *c.Admin
	}

	return call(ctx, http.MethodPost, c.Server+"/game", body)
}

type ListCmd struct {
	Server string `help:"Host service URL" default:"http://localhost:5000" env:"MWHOST_SERVER"`
	Active bool   `help:"only list running games" default:"false"`
}

func (l *ListCmd) Run(ctx context.Context, globals *Globals) error {
	url := l.Server + "/game"
	if l.Active {
		url += "?active=true"
	}
	return call(ctx, http.MethodGet, url, nil)
}

type GetCmd struct {
	Server string `help:"Host service URL" default:"http://localhost:5000" env:"MWHOST_SERVER"`
	Token  string `arg:"" help:"game token"`
}

func (g *GetCmd) Run(ctx context.Context, globals *Globals) error {
	return call(ctx, http.MethodGet, fmt.Sprintf("%s/game/%s", g.Server, g.Token), nil)
}

type ResumeCmd struct {
	Server string `help:"Host service URL" default:"http://localhost:5000" env:"MWHOST_SERVER"`
	Token  string `arg:"" help:"game token"`
}

func (r *ResumeCmd) Run(ctx context.Context, globals *Globals) error {
	return call(ctx, http.MethodPost, fmt.Sprintf("%s/game/%s", r.Server, r.Token), nil)
}

type UpdateCmd struct {
	Server    string `help:"Host service URL" default:"http://localhost:5000" env:"MWHOST_SERVER"`
	Token     string `arg:"" help:"game token"`
	Parameter string `arg:"" help:"parameter to update (noexpiry, admin, meta, racemode, password)"`
	Value     string `arg:"" help:"value to set"`
}

func (u *UpdateCmd) Run(ctx context.Context, globals *Globals) error {
	return call(ctx, http.MethodPut,
		fmt.Sprintf("%s/game/%s/%s", u.Server, u.Token, u.Parameter),
		map[string]any{"value": coerceValue(u.Value)})
}

type CloseCmd struct {
	Server string `help:"Host service URL" default:"http://localhost:5000" env:"MWHOST_SERVER"`
	Token  string `arg:"" help:"game token"`
}

func (c *CloseCmd) Run(ctx context.Context, globals *Globals) error {
	return call(ctx, http.MethodDelete, fmt.Sprintf("%s/game/%s", c.Server, c.Token), nil)
}

type MsgCmd struct {
	Server string `help:"Host service URL" default:"http://localhost:5000" env:"MWHOST_SERVER"`
	Token  string `arg:"" help:"game token"`
	Msg    string `arg:"" help:"console command or chat line"`
}

func (m *MsgCmd) Run(ctx context.Context, globals *Globals) error {
	return call(ctx, http.MethodPut,
		fmt.Sprintf("%s/game/%s/msg", m.Server, m.Token),
		map[string]any{"msg": m.Msg})
}

type CleanupCmd struct {
	Server  string `help:"Host service URL" default:"http://localhost:5000" env:"MWHOST_SERVER"`
	Minutes int    `arg:"" help:"expire games untouched for this many minutes"`
}

func (c *CleanupCmd) Run(ctx context.Context, globals *Globals) error {
	return call(ctx, http.MethodPost, fmt.Sprintf("%s/jobs/cleanup/%d", c.Server, c.Minutes), nil)
}
