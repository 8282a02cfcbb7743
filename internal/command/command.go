// Package command parses operator command lines into typed commands and
// dispatches them against a running session. Parsing is deliberately
// permissive: an unrecognized verb produces an explanatory message, not
// an error, because the input is operator-facing.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// Command is a parsed operator command.
type Command interface {
	isCommand()
}

// Players asks for the roster of connected clients.
type Players struct{}

// Password sets (or, with a nil value, clears) the session password.
type Password struct {
	Value *string
}

// Kick disconnects the first authenticated client matching Name and,
// when Team is non-nil, the given team.
type Kick struct {
	Name string
	Team *int
}

// ForfeitSlot forfeits a slot's remaining objectives.
type ForfeitSlot struct {
	Slot int
	Team *int
}

// ForfeitPlayer forfeits by player name, resolved like Kick.
type ForfeitPlayer struct {
	Name string
	Team *int
}

// SendItem queues a catalogue item for the named player.
type SendItem struct {
	Player string
	Item   string
}

// Broadcast sends a chat message to all connected clients.
type Broadcast struct {
	Text string
}

// Exit requests full session shutdown. It is handled by the
// orchestrator, one level above dispatch.
type Exit struct{}

// Unknown is any slash-verb the router does not recognize.
type Unknown struct {
	Verb string
}

func (Players) isCommand()       {}
func (Password) isCommand()      {}
func (Kick) isCommand()          {}
func (ForfeitSlot) isCommand()   {}
func (ForfeitPlayer) isCommand() {}
func (SendItem) isCommand()      {}
func (Broadcast) isCommand()     {}
func (Exit) isCommand()          {}
func (Unknown) isCommand()       {}

// Parse tokenizes a command line shell-style (quoted arguments are
// preserved) and returns the typed command. Lines not starting with a
// slash are broadcast chat.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty command")
	}

	if !strings.HasPrefix(line, "/") {
		return Broadcast{Text: line}, nil
	}

	fields, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize command: %w", err)
	}

	verb, args := fields[0], fields[1:]
	switch verb {
	case "/exit":
		return Exit{}, nil

	case "/players":
		return Players{}, nil

	case "/password":
		if len(args) == 0 {
			return Password{}, nil
		}
		return Password{Value: &args[0]}, nil

	case "/kick":
		if len(args) == 0 {
			return nil, fmt.Errorf("usage: /kick <name> [team]")
		}
		team, err := optionalTeam(args, 1)
		if err != nil {
			return nil, err
		}
		return Kick{Name: args[0], Team: team}, nil

	case "/forfeitslot":
		if len(args) == 0 {
			return nil, fmt.Errorf("usage: /forfeitslot <slot> [team]")
		}
		slot, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("bad slot %q", args[0])
		}
		team, err := optionalTeam(args, 1)
		if err != nil {
			return nil, err
		}
		return ForfeitSlot{Slot: slot, Team: team}, nil

	case "/forfeitplayer":
		if len(args) == 0 {
			return nil, fmt.Errorf("usage: /forfeitplayer <name> [team]")
		}
		team, err := optionalTeam(args, 1)
		if err != nil {
			return nil, err
		}
		return ForfeitPlayer{Name: args[0], Team: team}, nil

	case "/senditem":
		if len(args) < 2 {
			return nil, fmt.Errorf("usage: /senditem <player> <item>")
		}
		// The item name is everything after the player, so multi-word
		// items work unquoted too.
		return SendItem{Player: args[0], Item: strings.Join(args[1:], " ")}, nil

	default:
		return Unknown{Verb: verb}, nil
	}
}

// optionalTeam parses a one-based team argument at index idx into a
// zero-based team number.
func optionalTeam(args []string, idx int) (*int, error) {
	if len(args) <= idx {
		return nil, nil
	}
	n, err := strconv.Atoi(args[idx])
	if err != nil {
		return nil, fmt.Errorf("bad team %q", args[idx])
	}
	team := n - 1
	return &team, nil
}
