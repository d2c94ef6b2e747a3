// README: CancellationResolver decides, from the stage a request is in,
// what a cancellation becomes: the outgoing status, whether the counterpart
// is notified, and which audit context gets recorded.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"cargolink/internal/status"
	"cargolink/internal/types"
)

// Stage classifies how far a request had progressed when the cancellation
// arrived.
type Stage int

const (
	// StagePreBid: no bid yet; the carrier is declining before quoting.
	StagePreBid Stage = iota
	// StageProposal: a bid exists but no journey has started.
	StageProposal
	// StageJourney: the journey is underway.
	StageJourney
)

// Actor identifies who is cancelling. Role admin may act on resources it does
// not own.
type Actor struct {
	ID   types.ID
	Role status.Role
}

// Outcome is the resolver's verdict for one cancellation.
type Outcome struct {
	Target status.Status
	Notify bool
	// AuditContext is empty when no audit row is required (pre-bid declines).
	AuditContext ContextType
}

// Resolve implements the cancellation decision table.
func Resolve(stage Stage, role status.Role) Outcome {
	if stage == StagePreBid {
		if role == status.RoleCarrier {
			return Outcome{Target: status.RejectedByCarrier}
		}
		// No counterpart was ever involved; nothing to notify or audit.
		return Outcome{Target: cancelStatusFor(role)}
	}
	ctx := ContextProposal
	if stage == StageJourney {
		ctx = ContextJourney
	}
	return Outcome{Target: cancelStatusFor(role), Notify: true, AuditContext: ctx}
}

func cancelStatusFor(role status.Role) status.Status {
	switch role {
	case status.RoleCarrier:
		return status.CancelledByCarrier
	case status.RoleShipper:
		return status.CancelledByShipper
	case status.RoleAdmin:
		return status.CancelledByAdmin
	default:
		return status.CancelledBySystem
	}
}

type Resolver struct {
	store   *Store
	applier *Applier
	log     zerolog.Logger
}

func NewResolver(store *Store, applier *Applier, log zerolog.Logger) *Resolver {
	return &Resolver{store: store, applier: applier, log: log.With().Str("component", "resolver").Logger()}
}

// CancelCarrierRequest resolves a carrier (or an admin on its behalf)
// cancelling its availability. With an active bid this is a post-bid
// withdrawal: the proposal dies, the shipment applies the last-active-bid
// rule, and the shipper is notified. Without one, the carrier request simply
// closes.
func (r *Resolver) CancelCarrierRequest(ctx context.Context, carrierReqID types.ID, actor Actor, reason string) (*TransitionResult, Outcome, error) {
	cr, err := r.store.GetCarrier(ctx, carrierReqID)
	if err != nil {
		return nil, Outcome{}, err
	}
	if cr.CarrierID != actor.ID && actor.Role != status.RoleAdmin {
		return nil, Outcome{}, ErrNotAllowed
	}

	p, err := r.store.ActiveProposalForCarrier(ctx, carrierReqID)
	if errors.Is(err, ErrNotFound) {
		out := Outcome{Target: cancelStatusFor(actor.Role)}
		res, err := r.closeCarrierRequest(ctx, cr, out.Target)
		return res, out, err
	}
	if err != nil {
		return nil, Outcome{}, err
	}

	out := Resolve(r.stageOf(ctx, p), actor.Role)
	res, err := r.applier.Apply(ctx, TransitionRequest{
		ProposalID: p.ID,
		Target:     out.Target,
		Role:       actor.Role,
		ActorID:    actor.ID,
		Audit:      r.auditFor(ctx, p, actor, reason, out),
	})
	if err != nil {
		return nil, out, err
	}
	return res, out, nil
}

// CancelShipment resolves a shipper (or admin) cancelling a shipment request.
// Every active proposal is driven to its negative terminal status and each
// bidding carrier is notified individually.
func (r *Resolver) CancelShipment(ctx context.Context, shipmentID types.ID, actor Actor, reason string) ([]*TransitionResult, Outcome, error) {
	sh, err := r.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, Outcome{}, err
	}
	if sh.ShipperID != actor.ID && actor.Role != status.RoleAdmin {
		return nil, Outcome{}, ErrNotAllowed
	}

	target := cancelStatusFor(actor.Role)
	proposals, err := r.store.ListActiveProposals(ctx, shipmentID)
	if err != nil {
		return nil, Outcome{}, err
	}
	if len(proposals) == 0 {
		out := Outcome{Target: target}
		res, err := r.closeShipment(ctx, sh, target)
		if err != nil {
			return nil, out, err
		}
		return []*TransitionResult{res}, out, nil
	}

	var results []*TransitionResult
	var firstErr error
	out := Outcome{Target: target, Notify: true, AuditContext: ContextProposal}
	for i := range proposals {
		p := &proposals[i]
		po := Resolve(r.stageOf(ctx, p), actor.Role)
		res, err := r.applier.Apply(ctx, TransitionRequest{
			ProposalID:     p.ID,
			Target:         po.Target,
			Role:           actor.Role,
			ActorID:        actor.ID,
			ShipmentTarget: target,
			Audit:          r.auditFor(ctx, p, actor, reason, po),
		})
		if err != nil {
			if errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrConflict) {
				r.log.Info().Str("proposal", string(p.ID)).Msg("proposal already resolved; skipping")
				continue
			}
			// Keep going: the remaining proposals still need resolving.
			r.log.Error().Err(err).Str("proposal", string(p.ID)).Msg("cancel fan-out failed for proposal")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, res)
	}
	return results, out, firstErr
}

// DeclineShipment resolves a carrier declining a specific shipment before
// bidding. Silent: no notification, no audit. The pair is poisoned for future
// matching either by the declined proposal's new status or, when the decline
// answers a fan-out offer that never had a proposal, by a proposal recorded
// directly in the declined state.
func (r *Resolver) DeclineShipment(ctx context.Context, shipmentID, carrierReqID types.ID, actor Actor) (*TransitionResult, Outcome, error) {
	cr, err := r.store.GetCarrier(ctx, carrierReqID)
	if err != nil {
		return nil, Outcome{}, err
	}
	if cr.CarrierID != actor.ID && actor.Role != status.RoleAdmin {
		return nil, Outcome{}, ErrNotAllowed
	}

	out := Resolve(StagePreBid, status.RoleCarrier)
	p, err := r.store.GetProposalByPair(ctx, shipmentID, carrierReqID)
	if errors.Is(err, ErrNotFound) {
		res, err := r.recordDeclinedPair(ctx, shipmentID, cr)
		return res, out, err
	}
	if err != nil {
		return nil, Outcome{}, err
	}
	if p.Status != status.Requested {
		// The pair already progressed past the pre-bid stage; withdrawing now
		// is a cancellation, not a decline.
		return nil, Outcome{}, ErrConflict
	}
	res, err := r.applier.Apply(ctx, TransitionRequest{
		ProposalID: p.ID,
		Target:     status.RejectedByCarrier,
		Role:       status.RoleCarrier,
		ActorID:    actor.ID,
	})
	if err != nil {
		return nil, out, err
	}
	return res, out, nil
}

// stageOf distinguishes the proposal and journey stages from the proposal's
// progress. The journey row is authoritative once the proposal has started.
func (r *Resolver) stageOf(ctx context.Context, p *MatchProposal) Stage {
	if p.Status == status.JourneyStarted || p.Status == status.JourneyCompleted {
		return StageJourney
	}
	if _, err := r.store.GetJourneyByProposal(ctx, p.ID); err == nil {
		return StageJourney
	}
	return StageProposal
}

func (r *Resolver) auditFor(ctx context.Context, p *MatchProposal, actor Actor, reason string, out Outcome) *CancellationRecord {
	if out.AuditContext == "" {
		return nil
	}
	contextID := p.ID
	if out.AuditContext == ContextJourney {
		if j, err := r.store.GetJourneyByProposal(ctx, p.ID); err == nil {
			contextID = j.ID
		}
	}
	return &CancellationRecord{
		ID:          newID(),
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		ReasonCode:  reason,
		ContextType: out.AuditContext,
		ContextID:   contextID,
		CreatedAt:   time.Now().UTC(),
	}
}

// closeCarrierRequest retires an unmatched carrier request.
func (r *Resolver) closeCarrierRequest(ctx context.Context, cr *CarrierRequest, target status.Status) (*TransitionResult, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locked, err := r.store.LockCarrier(ctx, tx, cr.ID)
	if err != nil {
		return nil, err
	}
	if status.IsTerminal(locked.Status) {
		return nil, ErrAlreadyProcessed
	}
	if ok, err := r.store.UpdateCarrierStatusTx(ctx, tx, locked.ID, locked.Status, target, locked.StatusVersion, false); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrAlreadyProcessed
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	out, err := r.store.GetCarrier(ctx, cr.ID)
	if err != nil {
		return nil, err
	}
	return &TransitionResult{Carrier: out}, nil
}

// closeShipment retires a shipment request that never attracted a bid.
func (r *Resolver) closeShipment(ctx context.Context, sh *ShipmentRequest, target status.Status) (*TransitionResult, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locked, err := r.store.LockShipment(ctx, tx, sh.ID)
	if err != nil {
		return nil, err
	}
	if status.IsTerminal(locked.Status) {
		return nil, ErrAlreadyProcessed
	}
	if ok, err := r.store.UpdateShipmentStatusTx(ctx, tx, locked.ID, locked.Status, target, locked.StatusVersion); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrAlreadyProcessed
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	out, err := r.store.GetShipment(ctx, sh.ID)
	if err != nil {
		return nil, err
	}
	return &TransitionResult{Shipment: out}, nil
}

// recordDeclinedPair writes the poisoned-pair marker for a decline that never
// had a proposal: a proposal row born directly in the declined state.
func (r *Resolver) recordDeclinedPair(ctx context.Context, shipmentID types.ID, cr *CarrierRequest) (*TransitionResult, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if existing, err := r.store.LockProposalByPair(ctx, tx, shipmentID, cr.ID); err == nil {
		return &TransitionResult{Proposal: existing}, tx.Commit(ctx)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	p := &MatchProposal{
		ID:                newID(),
		ShipmentRequestID: shipmentID,
		CarrierRequestID:  cr.ID,
		CarrierID:         cr.CarrierID,
		InitiatedBy:       InitiatedByShipper,
		Status:            status.RejectedByCarrier,
		DecidedAt:         time.Now().UTC(),
		// Pre-bid declines require no acknowledgement.
		RejectionSeen: true,
	}
	if err := r.store.InsertProposalTx(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &TransitionResult{Proposal: p}, nil
}
