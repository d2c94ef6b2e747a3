// README: Timeout detector: periodic sweep driving stale carrier-initiated
// proposals to no-answer.
package timeout

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"cargolink/internal/config"
	"cargolink/internal/modules/dispatch"
	"cargolink/internal/observability"
	"cargolink/internal/status"
)

const maxCandidatesPerSweep = 100

// CandidateSource lists sweep candidates.
type CandidateSource interface {
	StaleRequestedProposals(ctx context.Context, cutoff time.Time, limit int) ([]dispatch.StaleCandidate, error)
}

// TransitionApplier resolves one candidate.
type TransitionApplier interface {
	Apply(ctx context.Context, req dispatch.TransitionRequest) (*dispatch.TransitionResult, error)
}

type Detector struct {
	source  CandidateSource
	applier TransitionApplier
	cfg     config.TimeoutConfig
	log     zerolog.Logger
}

func NewDetector(source CandidateSource, applier TransitionApplier, cfg config.TimeoutConfig, log zerolog.Logger) *Detector {
	return &Detector{
		source:  source,
		applier: applier,
		cfg:     cfg,
		log:     log.With().Str("component", "timeout").Logger(),
	}
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Candidates int
	Resolved   int
	Skipped    int
	Failed     int
}

// Run sweeps on the configured interval until ctx is cancelled. A sweep in
// progress finishes its current candidate list; shutdown happens between
// sweeps.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.Sweep(ctx)
			if err != nil {
				d.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if res.Candidates > 0 {
				d.log.Info().
					Int("candidates", res.Candidates).
					Int("resolved", res.Resolved).
					Int("skipped", res.Skipped).
					Int("failed", res.Failed).
					Msg("sweep finished")
			}
		}
	}
}

// Sweep finds proposals stuck in requested past the staleness threshold and
// drives each to no-answer. The applier re-validates every candidate under
// row locks, so a candidate that advanced between the scan and the apply is
// skipped, not failed. One candidate's error never aborts the rest.
func (d *Detector) Sweep(ctx context.Context) (SweepResult, error) {
	cutoff := time.Now().UTC().Add(-d.cfg.Staleness)
	candidates, err := d.source.StaleRequestedProposals(ctx, cutoff, maxCandidatesPerSweep)
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Candidates: len(candidates)}
	observability.SweepCandidates.Add(float64(len(candidates)))

	for _, c := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		_, err := d.applier.Apply(ctx, dispatch.TransitionRequest{
			ProposalID: c.ProposalID,
			Target:     status.NoAnswerFromCarrier,
			Role:       status.RoleSystem,
		})
		switch {
		case err == nil:
			res.Resolved++
			observability.SweepResolved.Inc()
		case errors.Is(err, dispatch.ErrAlreadyProcessed), errors.Is(err, dispatch.ErrConflict):
			res.Skipped++
			observability.SweepSkipped.Inc()
		default:
			res.Failed++
			observability.SweepFailures.Inc()
			d.log.Error().Err(err).Str("proposal", string(c.ProposalID)).Msg("candidate resolution failed")
		}
	}
	return res, nil
}
