// README: TransitionApplier applies one validated status change atomically
// across the rows it touches, re-validating preconditions under row locks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"cargolink/internal/observability"
	"cargolink/internal/status"
	"cargolink/internal/types"
)

// ErrAlreadyProcessed is the typed non-fatal outcome for a precondition
// mismatch: another actor moved the state between the caller's read and this
// write. Callers treat it as "someone got there first", not a failure.
var ErrAlreadyProcessed = errors.New("already processed by another actor")

// perTableBudget scales the atomic unit's timeout to how many tables the
// transition touches.
const perTableBudget = 10 * time.Second

type Applier struct {
	store *Store
	log   zerolog.Logger
}

func NewApplier(store *Store, log zerolog.Logger) *Applier {
	return &Applier{store: store, log: log.With().Str("component", "applier").Logger()}
}

// Quote carries the carrier's offer on a proposal.
type Quote struct {
	Cost     *types.Money
	Shipping *time.Time
	Delivery *time.Time
}

// CreateProposalInput describes an idempotent proposal creation: the pairing
// of one shipment request with one carrier request, initiated by either side.
type CreateProposalInput struct {
	ShipmentRequestID types.ID
	CarrierRequestID  types.ID
	CarrierID         types.ID
	InitiatedBy       InitiatedBy
	Role              status.Role
	// Target is the proposal's initial status: Requested for an auto-match,
	// AcceptedByCarrier for an explicit carrier bid.
	Target status.Status
	Quote  Quote
}

// TransitionRequest describes one proposal-centric status change.
type TransitionRequest struct {
	ProposalID types.ID
	Target     status.Status
	Role       status.Role
	ActorID    types.ID
	// ShipmentTarget overrides the shipment-side outcome. Zero means derive it:
	// mirror the target on progress transitions, apply the last-active-bid
	// waiting-reversion rule on negative ones.
	ShipmentTarget status.Status
	// Audit, when set, is written inside the same atomic unit (at most once
	// per context).
	Audit *CancellationRecord
	// Fare is recorded on the journey when the target completes it.
	Fare *types.Money
}

// TransitionResult carries enough post-commit data for notification assembly.
type TransitionResult struct {
	Proposal         *MatchProposal
	Shipment         *ShipmentRequest
	Carrier          *CarrierRequest
	Journey          *Journey
	ShipmentReverted bool
	// NotSelected are the sibling proposals driven to NotSelectedInBid as a
	// side effect of this proposal reaching AcceptedByShipper.
	NotSelected []MatchProposal
}

// CreateProposal pairs a shipment with a carrier exactly once. Re-applying a
// create for an existing pair returns the existing row unchanged.
func (a *Applier) CreateProposal(ctx context.Context, in CreateProposalInput) (*MatchProposal, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*perTableBudget)
	defer cancel()

	start := time.Now()
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock order: shipment, then carrier, then proposal. Every transition
	// touching the same rows uses the same order.
	sh, err := a.store.LockShipment(ctx, tx, in.ShipmentRequestID)
	if err != nil {
		return nil, false, err
	}
	cr, err := a.store.LockCarrier(ctx, tx, in.CarrierRequestID)
	if err != nil {
		return nil, false, err
	}

	existing, err := a.store.LockProposalByPair(ctx, tx, in.ShipmentRequestID, in.CarrierRequestID)
	if err == nil {
		// Idempotent: the pair is already proposed.
		return existing, false, tx.Commit(ctx)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if !isOpenForBids(sh.Status) {
		return nil, false, ErrConflict
	}
	// A carrier with an unresolved proposal must resolve it before being
	// paired again.
	if cr.Status != status.Waiting {
		return nil, false, ErrConflict
	}
	if !status.CanTransition(cr.Status, in.Target, in.Role) {
		return nil, false, ErrInvalidState
	}

	now := time.Now().UTC()
	p := &MatchProposal{
		ID:                newID(),
		ShipmentRequestID: in.ShipmentRequestID,
		CarrierRequestID:  in.CarrierRequestID,
		CarrierID:         in.CarrierID,
		InitiatedBy:       in.InitiatedBy,
		QuotedCost:        in.Quote.Cost,
		QuotedShipping:    in.Quote.Shipping,
		QuotedDelivery:    in.Quote.Delivery,
		Status:            in.Target,
		DecidedAt:         now,
	}
	if err := a.store.InsertProposalTx(ctx, tx, p); err != nil {
		return nil, false, fmt.Errorf("insert proposal: %w", err)
	}

	if ok, err := a.store.UpdateCarrierStatusTx(ctx, tx, cr.ID, cr.Status, in.Target, cr.StatusVersion, false); err != nil {
		return nil, false, err
	} else if !ok {
		return nil, false, ErrAlreadyProcessed
	}
	// The shipment mirrors the new bid only while it has not advanced past it:
	// a second bidder leaves an already-accepted-by-carrier shipment alone.
	if status.Reachable(sh.Status, in.Target) {
		if ok, err := a.store.UpdateShipmentStatusTx(ctx, tx, sh.ID, sh.Status, in.Target, sh.StatusVersion); err != nil {
			return nil, false, err
		} else if !ok {
			return nil, false, ErrAlreadyProcessed
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	observability.MatchesTotal.Inc()
	observability.TransitionLatency.Observe(time.Since(start).Seconds())
	return p, true, nil
}

// Apply commits one transition as an all-or-nothing unit: lock, re-validate,
// write every affected row, commit. No partial transition is ever observable.
func (a *Applier) Apply(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(tablesTouched(req.Target))*perTableBudget)
	defer cancel()

	start := time.Now()
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Re-fetch everything under lock; the caller's earlier reads are stale by
	// definition. Shipment first so concurrent transitions on sibling
	// proposals serialize before the active-bid count is taken.
	p, err := a.store.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	sh, err := a.store.LockShipment(ctx, tx, p.ShipmentRequestID)
	if err != nil {
		return nil, err
	}
	cr, err := a.store.LockCarrier(ctx, tx, p.CarrierRequestID)
	if err != nil {
		return nil, err
	}
	p, err = a.store.LockProposal(ctx, tx, req.ProposalID)
	if err != nil {
		return nil, err
	}

	if p.Status == req.Target {
		observability.TransitionConflicts.Inc()
		return nil, ErrAlreadyProcessed
	}
	if !status.CanTransition(p.Status, req.Target, req.Role) {
		observability.TransitionConflicts.Inc()
		return nil, ErrConflict
	}
	// A bid on a shipment that is no longer open surfaces as "no longer
	// available", whatever the proposal row still says.
	if (req.Target == status.AcceptedByCarrier || req.Target == status.AcceptedByShipper) && !isOpenForBids(sh.Status) {
		observability.TransitionConflicts.Inc()
		return nil, ErrConflict
	}

	res := &TransitionResult{}

	// 1. The proposal itself.
	if ok, err := a.store.UpdateProposalStatusTx(ctx, tx, p.ID, p.Status, req.Target, p.StatusVersion); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrAlreadyProcessed
	}

	// 2. The carrier side.
	carrierTo, resetSeen := carrierOutcome(req.Target)
	if carrierTo != cr.Status {
		if ok, err := a.store.UpdateCarrierStatusTx(ctx, tx, cr.ID, cr.Status, carrierTo, cr.StatusVersion, resetSeen); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrAlreadyProcessed
		}
	}

	// 3. The shipment side.
	shipTo := req.ShipmentTarget
	if shipTo == status.None {
		shipTo, err = a.deriveShipmentTarget(ctx, tx, sh, p, req.Target)
		if err != nil {
			return nil, err
		}
	}
	if shipTo != status.None && shipTo != sh.Status {
		if ok, err := a.store.UpdateShipmentStatusTx(ctx, tx, sh.ID, sh.Status, shipTo, sh.StatusVersion); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrAlreadyProcessed
		}
		res.ShipmentReverted = shipTo == status.Waiting
	}

	// 4. Non-selection fan-out: accepting one bid retires every sibling bid.
	if req.Target == status.AcceptedByShipper {
		res.NotSelected, err = a.retireSiblings(ctx, tx, sh.ID, p.ID)
		if err != nil {
			return nil, err
		}
	}

	// 5. The journey row.
	switch req.Target {
	case status.JourneyStarted:
		j := &Journey{ID: newID(), ProposalID: p.ID, StartedAt: time.Now().UTC(), Status: status.JourneyStarted}
		if err := a.store.InsertJourneyTx(ctx, tx, j); err != nil {
			return nil, err
		}
	case status.JourneyCompleted, status.CompletedByAdmin:
		if ok, err := a.store.EndJourneyTx(ctx, tx, p.ID, time.Now().UTC(), req.Fare, req.Target); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrAlreadyProcessed
		}
	}

	// 6. The audit row, at most once per context.
	if req.Audit != nil {
		if err := a.store.InsertCancellationTx(ctx, tx, req.Audit); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	observability.TransitionsTotal.WithLabelValues(req.Target.String()).Inc()
	observability.TransitionLatency.Observe(time.Since(start).Seconds())
	a.log.Debug().
		Str("proposal", string(p.ID)).
		Str("target", req.Target.String()).
		Str("role", string(req.Role)).
		Bool("shipment_reverted", res.ShipmentReverted).
		Msg("transition applied")

	// Post-commit reads for the caller's notification assembly. A failed
	// re-read falls back to the in-tx snapshot so callers always see the
	// committed rows.
	if fresh, err := a.store.GetProposal(ctx, p.ID); err == nil {
		res.Proposal = fresh
	} else {
		p.Status = req.Target
		p.StatusVersion++
		res.Proposal = p
	}
	if fresh, err := a.store.GetShipment(ctx, sh.ID); err == nil {
		res.Shipment = fresh
	} else {
		if shipTo != status.None {
			sh.Status = shipTo
		}
		res.Shipment = sh
	}
	if fresh, err := a.store.GetCarrier(ctx, cr.ID); err == nil {
		res.Carrier = fresh
	} else {
		cr.Status = carrierTo
		res.Carrier = cr
	}
	if req.Target >= status.JourneyStarted {
		res.Journey, _ = a.store.GetJourneyByProposal(ctx, p.ID)
	}
	return res, nil
}

// deriveShipmentTarget applies the standard shipment-side rule: progress
// transitions mirror; negative ones revert the shipment to waiting only when
// the dying proposal was its last active bid. The count is taken inside the
// transaction so two concurrent cancellations cannot both see zero.
func (a *Applier) deriveShipmentTarget(ctx context.Context, tx pgx.Tx, sh *ShipmentRequest, p *MatchProposal, target status.Status) (status.Status, error) {
	if !status.IsNegative(target) {
		if status.Reachable(sh.Status, target) {
			return target, nil
		}
		return status.None, nil
	}
	n, err := a.store.ActiveProposalCountTx(ctx, tx, sh.ID, p.ID)
	if err != nil {
		return status.None, err
	}
	if n == 0 && status.IsActive(sh.Status) {
		return status.Waiting, nil
	}
	return status.None, nil
}

// retireSiblings drives every other active proposal of the shipment to
// NotSelectedInBid and frees their carrier requests.
func (a *Applier) retireSiblings(ctx context.Context, tx pgx.Tx, shipmentID, winner types.ID) ([]MatchProposal, error) {
	siblings, err := a.store.ListActiveProposalsTx(ctx, tx, shipmentID, winner)
	if err != nil {
		return nil, err
	}
	for i := range siblings {
		sib := &siblings[i]
		if ok, err := a.store.UpdateProposalStatusTx(ctx, tx, sib.ID, sib.Status, status.NotSelectedInBid, sib.StatusVersion); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrAlreadyProcessed
		}
		loser, err := a.store.LockCarrier(ctx, tx, sib.CarrierRequestID)
		if err != nil {
			return nil, err
		}
		if status.IsActive(loser.Status) {
			if ok, err := a.store.UpdateCarrierStatusTx(ctx, tx, loser.ID, loser.Status, status.Waiting, loser.StatusVersion, false); err != nil {
				return nil, err
			} else if !ok {
				return nil, ErrAlreadyProcessed
			}
		}
		sib.Status = status.NotSelectedInBid
		sib.NotSelectedSeen = false
	}
	return siblings, nil
}

// carrierOutcome maps a proposal target onto the carrier request's status.
// Negative outcomes caused by the counterpart carry a seen-flag reset; the
// carrier freed by a non-selection or a shipper rejection just goes back to
// waiting.
func carrierOutcome(target status.Status) (status.Status, bool) {
	switch target {
	case status.CancelledByShipper, status.CancelledByAdmin, status.CancelledBySystem:
		return target, true
	case status.NotSelectedInBid, status.RejectedByShipper, status.RejectedByCarrier:
		return status.Waiting, false
	default:
		return target, false
	}
}

func tablesTouched(target status.Status) int {
	switch target {
	case status.JourneyStarted, status.JourneyCompleted, status.CompletedByAdmin:
		return 4
	case status.AcceptedByShipper:
		return 4 // shipment, carrier, proposal, plus sibling fan-out
	default:
		return 3
	}
}

func isOpenForBids(s status.Status) bool {
	for _, open := range status.OpenForBids {
		if s == open {
			return true
		}
	}
	return false
}
