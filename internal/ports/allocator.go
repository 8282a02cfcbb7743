// Package ports hands out listener ports for multiworld sessions from a
// bounded range. The allocator probes candidate ports by binding them,
// so the answer is only advisory: the runtime must still handle a bind
// failure when it claims the port for real.
package ports

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"

	"github.com/rs/zerolog/log"
)

// maxAttempts bounds the random draw so allocation fails cleanly under
// port exhaustion instead of spinning.
const maxAttempts = 20

var (
	ErrNoPortAvailable = errors.New("no port available in range")
	ErrPortOutOfRange  = errors.New("port out of range")
	ErrPortInUse       = errors.New("port in use")
)

// Allocator selects unused TCP ports in [Low, High].
type Allocator struct {
	Low  int
	High int
}

// NewAllocator returns an allocator for the given inclusive range.
func NewAllocator(low, high int) (*Allocator, error) {
	if low <= 0 || high <= 0 || high < low {
		return nil, fmt.Errorf("invalid port range %d-%d", low, high)
	}
	return &Allocator{Low: low, High: high}, nil
}

// Allocate returns a free port. When preferred is non-zero it is used
// if it lies in range and probes free; otherwise ErrPortOutOfRange or
// ErrPortInUse is returned without falling back, so the caller can
// surface the conflict. With preferred zero the allocator draws
// uniformly from the range, giving up after maxAttempts.
func (a *Allocator) Allocate(preferred int) (int, error) {
	if preferred != 0 {
		if preferred < a.Low || preferred > a.High {
			return 0, fmt.Errorf("%w: %d not in %d-%d", ErrPortOutOfRange, preferred, a.Low, a.High)
		}
		if !Free(preferred) {
			return 0, fmt.Errorf("%w: %d", ErrPortInUse, preferred)
		}
		return preferred, nil
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		port := a.Low + rand.IntN(a.High-a.Low+1)
		if Free(port) {
			return port, nil
		}
		log.Debug().Int("port", port).Int("attempt", attempt+1).Msg("Port probe failed, retrying")
	}

	return 0, fmt.Errorf("%w: %d-%d after %d attempts", ErrNoPortAvailable, a.Low, a.High, maxAttempts)
}

// AllocateWithFallback tries the preferred port first and falls back to
// a fresh draw when it is busy. Used on resume, where the previously
// assigned port may have been taken while the session was down.
func (a *Allocator) AllocateWithFallback(preferred int) (int, error) {
	if preferred >= a.Low && preferred <= a.High && Free(preferred) {
		return preferred, nil
	}
	if preferred != 0 {
		log.Info().Int("port", preferred).Msg("Stored port unavailable, allocating a fresh one")
	}
	return a.Allocate(0)
}

// Free reports whether the port can currently be bound on all
// interfaces. The listener is closed immediately; nothing is reserved.
func Free(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
