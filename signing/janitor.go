package signing

import (
	"context"
	"errors"
	"time"

	"github.com/digitorus/signserver/store"
)

// Sweep deletes expired signing requests together with their documents and
// returns how many were removed. Requests of a flow run are left to the
// flow, which fails the run when they expire.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	ids, err := s.requests.List(ctx)
	if err != nil {
		return 0, E("sweep", StorageFailure, err)
	}

	now := s.now()
	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		unlock := s.locks.Lock(requestsPrefix + "/" + id)
		req, err := s.requests.Load(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Finalized meanwhile.
		case err != nil:
			s.log.Warn().Err(err).Str("handle", id).Msg("failed to load signing request")
		case req.FlowID != "":
		case req.expired(now):
			if err := s.consume(ctx, req); err != nil {
				s.log.Warn().Err(err).Str("handle", id).Msg("failed to delete expired signing request")
			} else {
				removed++
			}
		}
		unlock()
	}

	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("expired signing requests deleted")
	}
	return removed, nil
}

// RunJanitor sweeps every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("signing request sweep failed")
			}
		}
	}
}
