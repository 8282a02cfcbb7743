package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/tcprescott/multiworldhost/cmd/admincli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Create  commands.CreateCmd  `cmd:"" help:"Create a multiworld game from a multidata URL"`
		List    commands.ListCmd    `cmd:"" help:"List multiworld games"`
		Get     commands.GetCmd     `cmd:"" help:"Show one multiworld game"`
		Resume  commands.ResumeCmd  `cmd:"" help:"Resume a stopped multiworld game"`
		Update  commands.UpdateCmd  `cmd:"" help:"Update a game parameter"`
		Close   commands.CloseCmd   `cmd:"" help:"Close a multiworld game"`
		Msg     commands.MsgCmd     `cmd:"" help:"Send a console command to a game"`
		Cleanup commands.CleanupCmd `cmd:"" help:"Expire games older than the given age"`
		Debug   bool                `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
