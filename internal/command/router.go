package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tcprescott/multiworldhost/internal/items"
	"github.com/tcprescott/multiworldhost/internal/models"
)

// ErrExit signals that the operator asked for full session shutdown.
// Dispatch never performs the shutdown itself; the orchestrator
// special-cases this error.
var ErrExit = errors.New("session exit requested")

// Handle is the runtime surface the router dispatches against. The
// multiserver Server satisfies it.
type Handle interface {
	Clients() []models.Client
	SetPassword(password *string)
	Kick(name string, team *int) bool
	ForfeitSlot(team, slot int)
	ForfeitPlayer(name string, team *int) bool
	SendItem(player string, itemID byte, itemName string) bool
	Broadcast(text string)
}

// Dispatch executes a single command line against a session and returns
// the operator-facing result text. Command failures (bad arguments,
// unknown items, no matching player) come back as text, never as
// process-level errors; the only error returned is ErrExit.
func Dispatch(h Handle, line string) (string, error) {
	cmd, err := Parse(line)
	if err != nil {
		return err.Error(), nil
	}

	switch c := cmd.(type) {
	case Exit:
		return "", ErrExit

	case Players:
		return roster(h.Clients()), nil

	case Password:
		h.SetPassword(c.Value)
		if c.Value == nil {
			return "Password cleared.", nil
		}
		return "Password set.", nil

	case Kick:
		if h.Kick(c.Name, c.Team) {
			return fmt.Sprintf("Kicked %s.", c.Name), nil
		}
		return fmt.Sprintf("Player %s not found.", c.Name), nil

	case ForfeitSlot:
		team := 0
		if c.Team != nil {
			team = *c.Team
		}
		h.ForfeitSlot(team, c.Slot)
		return fmt.Sprintf("Forfeited slot %d.", c.Slot), nil

	case ForfeitPlayer:
		if h.ForfeitPlayer(c.Name, c.Team) {
			return fmt.Sprintf("Forfeited %s.", c.Name), nil
		}
		return fmt.Sprintf("Player %s not found.", c.Name), nil

	case SendItem:
		itemID, err := items.Lookup(c.Item)
		if err != nil {
			return fmt.Sprintf("Unknown item: %s", c.Item), nil
		}
		if h.SendItem(c.Player, itemID, c.Item) {
			return fmt.Sprintf("Item sent: %s to %s", c.Item, c.Player), nil
		}
		return fmt.Sprintf("Player %s not found.", c.Player), nil

	case Broadcast:
		h.Broadcast("[Server]: " + c.Text)
		return "Message sent.", nil

	case Unknown:
		return fmt.Sprintf("Unrecognized command %s.", c.Verb), nil

	default:
		// Unreachable: Parse only produces the variants above.
		return fmt.Sprintf("Unrecognized command %T.", cmd), nil
	}
}

// roster renders a human-readable list of connected, authenticated
// clients.
func roster(clients []models.Client) string {
	var authed []models.Client
	for _, c := range clients {
		if c.Auth {
			authed = append(authed, c)
		}
	}

	if len(authed) == 0 {
		return "No clients connected."
	}

	var b strings.Builder
	b.WriteString("Connected players:")
	for _, c := range authed {
		fmt.Fprintf(&b, "\n  Team %d Slot %d: %s", c.Team+1, c.Slot, c.Name)
	}
	return b.String()
}
