// README: Dispatch service, the engine's event entry points. Each operation
// runs pre-fetch, atomic mutation via the applier or resolver, then post-commit
// notification assembly. Notifications never block or fail the commit.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cargolink/internal/status"
	"cargolink/internal/types"
)

// Matcher finds proximity candidates for the two matching flows.
type Matcher interface {
	// FirstShipmentForCarrier returns the first acceptable open shipment near
	// the carrier, or ErrNotFound when none qualifies.
	FirstShipmentForCarrier(ctx context.Context, cr *CarrierRequest) (*ShipmentRequest, error)
	// CarriersForShipment returns up to the configured cap of idle carriers
	// near the shipment's origin, rejected pairs excluded.
	CarriersForShipment(ctx context.Context, sh *ShipmentRequest) ([]CarrierRequest, error)
	// CarrierAvailable indexes a waiting carrier request for proximity
	// search. Best-effort; index failures never surface.
	CarrierAvailable(ctx context.Context, cr *CarrierRequest)
	// CarrierUnavailable drops a carrier request from the proximity index.
	CarrierUnavailable(ctx context.Context, id types.ID)
}

// Notifier receives post-commit events. Implementations are best-effort and
// must never return control-flow errors into the engine.
type Notifier interface {
	TransitionApplied(ctx context.Context, res *TransitionResult)
	MatchOffered(ctx context.Context, sh *ShipmentRequest, carriers []CarrierRequest)
}

// FareEstimator turns a finished journey's breadcrumb trail into a fare.
type FareEstimator interface {
	Fare(ctx context.Context, proposalID types.ID) (*types.Money, error)
}

type Service struct {
	store    *Store
	applier  *Applier
	resolver *Resolver
	matcher  Matcher
	notifier Notifier
	fares    FareEstimator
	log      zerolog.Logger
}

func NewService(store *Store, applier *Applier, resolver *Resolver, matcher Matcher, notifier Notifier, fares FareEstimator, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		applier:  applier,
		resolver: resolver,
		matcher:  matcher,
		notifier: notifier,
		fares:    fares,
		log:      log.With().Str("component", "dispatch").Logger(),
	}
}

type SubmitShipmentCommand struct {
	ShipperID    types.ID
	Origin       types.Place
	Destination  types.Place
	VehicleType  string
	BatchID      *string
	Item         string
	Quantity     int
	ShippingDate *time.Time
	DeliveryDate *time.Time
	OfferedCost  *types.Money
}

type DeclareAvailabilityCommand struct {
	CarrierID   types.ID
	Origin      types.Point
	VehicleType string
}

type CarrierAcceptCommand struct {
	ShipmentRequestID types.ID
	CarrierRequestID  types.ID
	ActorID           types.ID
	Quote             Quote
}

type DecideCommand struct {
	ProposalID types.ID
	ActorID    types.ID
}

type CarrierDeclineCommand struct {
	ShipmentRequestID types.ID
	CarrierRequestID  types.ID
	ActorID           types.ID
}

type CancelCommand struct {
	ID     types.ID
	Actor  Actor
	Reason string
}

type CompleteJourneyCommand struct {
	ProposalID types.ID
	ActorID    types.ID
	AsAdmin    bool
}

// SubmitShipment creates an open shipment request and offers it to nearby idle
// carriers. The offers are informational; no proposal exists until a carrier
// responds.
func (s *Service) SubmitShipment(ctx context.Context, cmd SubmitShipmentCommand) (*ShipmentRequest, error) {
	if cmd.ShipperID == "" || cmd.VehicleType == "" || cmd.Item == "" || cmd.Quantity <= 0 {
		return nil, ErrBadRequest
	}
	sh := &ShipmentRequest{
		ID:           newID(),
		ExternalID:   uuid.NewString(),
		ShipperID:    cmd.ShipperID,
		Origin:       cmd.Origin,
		Destination:  cmd.Destination,
		VehicleType:  cmd.VehicleType,
		BatchID:      cmd.BatchID,
		Item:         cmd.Item,
		Quantity:     cmd.Quantity,
		ShippingDate: cmd.ShippingDate,
		DeliveryDate: cmd.DeliveryDate,
		OfferedCost:  cmd.OfferedCost,
		Status:       status.Waiting,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateShipment(ctx, sh); err != nil {
		return nil, err
	}

	carriers, err := s.matcher.CarriersForShipment(ctx, sh)
	if err != nil {
		s.log.Warn().Err(err).Str("shipment", string(sh.ID)).Msg("candidate search failed; shipment stays open")
		return sh, nil
	}
	if len(carriers) > 0 {
		s.notifier.MatchOffered(ctx, sh, carriers)
	}
	return sh, nil
}

// DeclareAvailability creates a waiting carrier request and runs the
// carrier-initiated auto-match: the first acceptable nearby shipment is paired
// immediately, all three rows moving to requested.
func (s *Service) DeclareAvailability(ctx context.Context, cmd DeclareAvailabilityCommand) (*CarrierRequest, *MatchProposal, error) {
	if cmd.CarrierID == "" || cmd.VehicleType == "" {
		return nil, nil, ErrBadRequest
	}
	cr := &CarrierRequest{
		ID:          newID(),
		ExternalID:  uuid.NewString(),
		CarrierID:   cmd.CarrierID,
		Origin:      cmd.Origin,
		VehicleType: cmd.VehicleType,
		Status:      status.Waiting,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateCarrier(ctx, cr); err != nil {
		return nil, nil, err
	}
	s.matcher.CarrierAvailable(ctx, cr)

	sh, err := s.matcher.FirstShipmentForCarrier(ctx, cr)
	if errors.Is(err, ErrNotFound) {
		return cr, nil, nil
	}
	if err != nil {
		s.log.Warn().Err(err).Str("carrier_request", string(cr.ID)).Msg("auto-match search failed; carrier stays waiting")
		return cr, nil, nil
	}

	p, created, err := s.applier.CreateProposal(ctx, CreateProposalInput{
		ShipmentRequestID: sh.ID,
		CarrierRequestID:  cr.ID,
		CarrierID:         cr.CarrierID,
		InitiatedBy:       InitiatedByCarrier,
		Role:              status.RoleSystem,
		Target:            status.Requested,
	})
	if err != nil {
		// The shipment may have closed between the search and the pairing.
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyProcessed) {
			return cr, nil, nil
		}
		return cr, nil, err
	}
	if created {
		s.notifyProposal(ctx, p.ID)
	}
	cr, _ = s.store.GetCarrier(ctx, cr.ID)
	s.syncAvailability(ctx, cr)
	return cr, p, nil
}

// CarrierAccept records a carrier's bid. An auto-matched proposal advances to
// accepted; with no prior proposal the bid creates one directly in the
// accepted state.
func (s *Service) CarrierAccept(ctx context.Context, cmd CarrierAcceptCommand) (*TransitionResult, error) {
	cr, err := s.store.GetCarrier(ctx, cmd.CarrierRequestID)
	if err != nil {
		return nil, err
	}
	if cr.CarrierID != cmd.ActorID {
		return nil, ErrNotAllowed
	}
	if rejected, err := s.store.WasRejected(ctx, cmd.ShipmentRequestID, cr.CarrierID); err != nil {
		return nil, err
	} else if rejected {
		return nil, ErrConflict
	}

	p, err := s.store.GetProposalByPair(ctx, cmd.ShipmentRequestID, cmd.CarrierRequestID)
	if errors.Is(err, ErrNotFound) {
		p, _, err = s.applier.CreateProposal(ctx, CreateProposalInput{
			ShipmentRequestID: cmd.ShipmentRequestID,
			CarrierRequestID:  cmd.CarrierRequestID,
			CarrierID:         cr.CarrierID,
			InitiatedBy:       InitiatedByShipper,
			Role:              status.RoleCarrier,
			Target:            status.AcceptedByCarrier,
			Quote:             cmd.Quote,
		})
		if err != nil {
			return nil, err
		}
		res := s.assembleResult(ctx, p)
		s.syncAvailability(ctx, res.Carrier)
		s.notifier.TransitionApplied(ctx, res)
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := s.applier.Apply(ctx, TransitionRequest{
		ProposalID: p.ID,
		Target:     status.AcceptedByCarrier,
		Role:       status.RoleCarrier,
		ActorID:    cmd.ActorID,
	})
	if err != nil {
		return nil, err
	}
	s.syncAvailability(ctx, res.Carrier)
	s.notifier.TransitionApplied(ctx, res)
	return res, nil
}

// ShipperAccept selects one bid. Every other active bid on the shipment is
// retired to not-selected in the same atomic unit, and each retired carrier is
// notified individually.
func (s *Service) ShipperAccept(ctx context.Context, cmd DecideCommand) (*TransitionResult, error) {
	if err := s.requireShipmentOwner(ctx, cmd.ProposalID, cmd.ActorID); err != nil {
		return nil, err
	}
	res, err := s.applier.Apply(ctx, TransitionRequest{
		ProposalID: cmd.ProposalID,
		Target:     status.AcceptedByShipper,
		Role:       status.RoleShipper,
		ActorID:    cmd.ActorID,
	})
	if err != nil {
		return nil, err
	}
	s.syncAvailability(ctx, res.Carrier)
	s.notifier.TransitionApplied(ctx, res)
	for i := range res.NotSelected {
		s.notifyProposal(ctx, res.NotSelected[i].ID)
	}
	return res, nil
}

// ShipperReject declines one bid; the carrier goes back to waiting and the
// shipment reverts to waiting if this was its last active bid.
func (s *Service) ShipperReject(ctx context.Context, cmd DecideCommand) (*TransitionResult, error) {
	if err := s.requireShipmentOwner(ctx, cmd.ProposalID, cmd.ActorID); err != nil {
		return nil, err
	}
	res, err := s.applier.Apply(ctx, TransitionRequest{
		ProposalID: cmd.ProposalID,
		Target:     status.RejectedByShipper,
		Role:       status.RoleShipper,
		ActorID:    cmd.ActorID,
	})
	if err != nil {
		return nil, err
	}
	s.syncAvailability(ctx, res.Carrier)
	s.notifier.TransitionApplied(ctx, res)
	return res, nil
}

// CarrierDecline turns down a shipment. Before any bid it is a silent
// rejection; once the carrier has accepted, declining is a cancellation and
// goes through the resolver with notification and audit.
func (s *Service) CarrierDecline(ctx context.Context, cmd CarrierDeclineCommand) (*TransitionResult, error) {
	actor := Actor{ID: cmd.ActorID, Role: status.RoleCarrier}
	res, _, err := s.resolver.DeclineShipment(ctx, cmd.ShipmentRequestID, cmd.CarrierRequestID, actor)
	if errors.Is(err, ErrConflict) {
		// Withdrawing is a cancellation only while this pair is the carrier's
		// live engagement. A pair that was already decided (not selected,
		// rejected) stays a conflict; the availability is untouched.
		active, aerr := s.store.ActiveProposalForCarrier(ctx, cmd.CarrierRequestID)
		if errors.Is(aerr, ErrNotFound) {
			return nil, ErrConflict
		}
		if aerr != nil {
			return nil, aerr
		}
		if active.ShipmentRequestID != cmd.ShipmentRequestID {
			return nil, ErrConflict
		}
		res, out, err := s.resolver.CancelCarrierRequest(ctx, cmd.CarrierRequestID, actor, "declined_after_accept")
		if err != nil {
			return nil, err
		}
		s.syncAvailability(ctx, res.Carrier)
		if out.Notify {
			s.notifier.TransitionApplied(ctx, res)
		}
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelShipment resolves a shipper or admin cancellation with per-proposal
// fan-out; every affected carrier is notified.
func (s *Service) CancelShipment(ctx context.Context, cmd CancelCommand) ([]*TransitionResult, error) {
	results, out, err := s.resolver.CancelShipment(ctx, cmd.ID, cmd.Actor, cmd.Reason)
	if err != nil {
		return results, err
	}
	for _, res := range results {
		s.syncAvailability(ctx, res.Carrier)
	}
	if out.Notify {
		for _, res := range results {
			s.notifier.TransitionApplied(ctx, res)
		}
	}
	return results, nil
}

// CancelCarrier resolves a carrier or admin cancellation of an availability.
func (s *Service) CancelCarrier(ctx context.Context, cmd CancelCommand) (*TransitionResult, error) {
	res, out, err := s.resolver.CancelCarrierRequest(ctx, cmd.ID, cmd.Actor, cmd.Reason)
	if err != nil {
		return nil, err
	}
	s.syncAvailability(ctx, res.Carrier)
	if out.Notify {
		s.notifier.TransitionApplied(ctx, res)
	}
	return res, nil
}

// StartJourney begins the transport on an accepted proposal; the journey row
// is created exactly once.
func (s *Service) StartJourney(ctx context.Context, cmd DecideCommand) (*TransitionResult, error) {
	if err := s.requireProposalCarrier(ctx, cmd.ProposalID, cmd.ActorID); err != nil {
		return nil, err
	}
	res, err := s.applier.Apply(ctx, TransitionRequest{
		ProposalID: cmd.ProposalID,
		Target:     status.JourneyStarted,
		Role:       status.RoleCarrier,
		ActorID:    cmd.ActorID,
	})
	if err != nil {
		return nil, err
	}
	s.syncAvailability(ctx, res.Carrier)
	s.notifier.TransitionApplied(ctx, res)
	return res, nil
}

// CompleteJourney ends the transport, recording ended_at and the fare derived
// from the breadcrumb trail.
func (s *Service) CompleteJourney(ctx context.Context, cmd CompleteJourneyCommand) (*TransitionResult, error) {
	target := status.JourneyCompleted
	role := status.RoleCarrier
	if cmd.AsAdmin {
		target = status.CompletedByAdmin
		role = status.RoleAdmin
	} else if err := s.requireProposalCarrier(ctx, cmd.ProposalID, cmd.ActorID); err != nil {
		return nil, err
	}

	var fare *types.Money
	if s.fares != nil {
		if m, err := s.fares.Fare(ctx, cmd.ProposalID); err == nil {
			fare = m
		} else {
			s.log.Warn().Err(err).Str("proposal", string(cmd.ProposalID)).Msg("fare estimate unavailable")
		}
	}

	res, err := s.applier.Apply(ctx, TransitionRequest{
		ProposalID: cmd.ProposalID,
		Target:     target,
		Role:       role,
		ActorID:    cmd.ActorID,
		Fare:       fare,
	})
	if err != nil {
		return nil, err
	}
	s.syncAvailability(ctx, res.Carrier)
	s.notifier.TransitionApplied(ctx, res)
	return res, nil
}

// AckScope selects which seen-flag an acknowledgement sets.
type AckScope string

const (
	AckShipmentCompletion  AckScope = "shipment_completion"
	AckCarrierCancellation AckScope = "carrier_cancellation"
	AckNotSelected         AckScope = "not_selected"
	AckCancellation        AckScope = "cancellation"
	AckRejection           AckScope = "rejection"
)

type AcknowledgeCommand struct {
	Scope AckScope
	ID    types.ID
}

// AcknowledgeOutcome marks a surfaced outcome as seen so it stops being
// presented.
func (s *Service) AcknowledgeOutcome(ctx context.Context, cmd AcknowledgeCommand) error {
	switch cmd.Scope {
	case AckShipmentCompletion:
		return s.store.AckShipmentCompletion(ctx, cmd.ID)
	case AckCarrierCancellation:
		return s.store.AckCarrierCancellation(ctx, cmd.ID)
	case AckNotSelected:
		return s.store.AckProposalOutcome(ctx, cmd.ID, SeenNotSelected)
	case AckCancellation:
		return s.store.AckProposalOutcome(ctx, cmd.ID, SeenCancellation)
	case AckRejection:
		return s.store.AckProposalOutcome(ctx, cmd.ID, SeenRejection)
	default:
		return ErrBadRequest
	}
}

// UnseenOutcomes returns the carrier's acknowledgement-pending proposal
// outcomes.
func (s *Service) UnseenOutcomes(ctx context.Context, carrierID types.ID) ([]MatchProposal, error) {
	return s.store.UnseenProposalOutcomes(ctx, carrierID)
}

func (s *Service) GetShipment(ctx context.Context, id types.ID) (*ShipmentRequest, error) {
	return s.store.GetShipment(ctx, id)
}

func (s *Service) GetCarrierRequest(ctx context.Context, id types.ID) (*CarrierRequest, error) {
	return s.store.GetCarrier(ctx, id)
}

func (s *Service) ProposalsForShipment(ctx context.Context, shipmentID types.ID) ([]MatchProposal, error) {
	return s.store.ListActiveProposals(ctx, shipmentID)
}

func (s *Service) requireShipmentOwner(ctx context.Context, proposalID, actorID types.ID) error {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	sh, err := s.store.GetShipment(ctx, p.ShipmentRequestID)
	if err != nil {
		return err
	}
	if sh.ShipperID != actorID {
		return ErrNotAllowed
	}
	return nil
}

func (s *Service) requireProposalCarrier(ctx context.Context, proposalID, actorID types.ID) error {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.CarrierID != actorID {
		return ErrNotAllowed
	}
	return nil
}

// syncAvailability keeps the proximity index in step with the carrier row: a
// waiting availability is searchable, every other status is not.
func (s *Service) syncAvailability(ctx context.Context, cr *CarrierRequest) {
	if cr == nil {
		return
	}
	if cr.Status == status.Waiting {
		s.matcher.CarrierAvailable(ctx, cr)
		return
	}
	s.matcher.CarrierUnavailable(ctx, cr.ID)
}

// assembleResult builds a post-commit result for a freshly created proposal.
func (s *Service) assembleResult(ctx context.Context, p *MatchProposal) *TransitionResult {
	res := &TransitionResult{Proposal: p}
	res.Shipment, _ = s.store.GetShipment(ctx, p.ShipmentRequestID)
	res.Carrier, _ = s.store.GetCarrier(ctx, p.CarrierRequestID)
	return res
}

func (s *Service) notifyProposal(ctx context.Context, id types.ID) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("proposal", string(id)).Msg("post-commit read failed; notification dropped")
		return
	}
	res := s.assembleResult(ctx, p)
	s.syncAvailability(ctx, res.Carrier)
	s.notifier.TransitionApplied(ctx, res)
}

func newID() types.ID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return types.ID(hex.EncodeToString(b[:]))
}
