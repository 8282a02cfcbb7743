package orchestrator

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/tcprescott/multiworldhost/internal/telemetry"
)

// Recover restarts every game whose record says active=true, typically
// after a process restart. Only local state is consulted: a game whose
// multidata file is gone is deactivated without trying the network, so
// one damaged game cannot stall the boot. Failures are isolated per
// token and recovery moves on to the next one; only a store failure
// aborts the pass.
func (s *Service) Recover(ctx context.Context) error {
	rows, err := s.store.List(ctx, true)
	if err != nil {
		return err
	}

	m := telemetry.GetMetrics()
	recovered := 0

	for _, mw := range rows {
		log.Info().Str("token", mw.Token).Int("port", mw.Port).Msg("Restoring multiworld")

		if _, err := s.resume(ctx, mw.Token, true); err != nil {
			if errors.Is(err, ErrAlreadyActive) {
				continue
			}

			m.GamesRecoveryFails.Add(ctx, 1)
			log.Error().Err(err).Str("token", mw.Token).Msg("Failed to restore multiworld, deactivating")

			if derr := s.store.Deactivate(ctx, mw.Token); derr != nil {
				log.Error().Err(derr).Str("token", mw.Token).Msg("Failed to deactivate unrecoverable multiworld")
			}
			continue
		}

		m.GamesRecovered.Add(ctx, 1)
		recovered++
	}

	log.Info().
		Int("active", len(rows)).
		Int("recovered", recovered).
		Msg("Boot recovery complete")

	return nil
}
