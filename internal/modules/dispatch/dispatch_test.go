// README: Dispatch engine tests (lifecycle flows, cancellation asymmetry,
// acknowledgement). DB-backed; skipped without CARGOLINK_TEST_DSN.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"cargolink/internal/status"
	"cargolink/internal/types"
)

// stubMatcher keeps the service's matching flows inert so tests drive pairing
// explicitly through bids and the applier.
type stubMatcher struct{}

func (stubMatcher) FirstShipmentForCarrier(ctx context.Context, cr *CarrierRequest) (*ShipmentRequest, error) {
	return nil, ErrNotFound
}

func (stubMatcher) CarriersForShipment(ctx context.Context, sh *ShipmentRequest) ([]CarrierRequest, error) {
	return nil, nil
}

func (stubMatcher) CarrierAvailable(ctx context.Context, cr *CarrierRequest) {}

func (stubMatcher) CarrierUnavailable(ctx context.Context, id types.ID) {}

// recNotifier records post-commit notifications for assertions.
type recNotifier struct {
	mu      sync.Mutex
	applied []*TransitionResult
	offered int
}

func (n *recNotifier) TransitionApplied(ctx context.Context, res *TransitionResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applied = append(n.applied, res)
}

func (n *recNotifier) MatchOffered(ctx context.Context, sh *ShipmentRequest, carriers []CarrierRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offered++
}

func (n *recNotifier) appliedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.applied)
}

type testEngine struct {
	db       *pgxpool.Pool
	store    *Store
	applier  *Applier
	resolver *Resolver
	svc      *Service
	notifier *recNotifier
}

func TestBidFlowHappyPath(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_happy")
	cr := mustDeclareCarrier(t, e, "ca_happy")

	res, err := e.svc.CarrierAccept(ctx, CarrierAcceptCommand{
		ShipmentRequestID: sh.ID,
		CarrierRequestID:  cr.ID,
		ActorID:           "ca_happy",
		Quote:             Quote{Cost: &types.Money{Amount: 120000, Currency: "USD"}},
	})
	if err != nil {
		t.Fatalf("carrier accept: %v", err)
	}
	// A successful transition always hands back the three row snapshots.
	if res.Proposal == nil || res.Shipment == nil || res.Carrier == nil {
		t.Fatalf("incomplete transition result: %+v", res)
	}
	assertShipmentStatus(t, e, sh.ID, status.AcceptedByCarrier)
	assertCarrierStatus(t, e, cr.ID, status.AcceptedByCarrier)
	pid := res.Proposal.ID
	assertProposalStatus(t, e, pid, status.AcceptedByCarrier)

	if _, err := e.svc.ShipperAccept(ctx, DecideCommand{ProposalID: pid, ActorID: "sh_happy"}); err != nil {
		t.Fatalf("shipper accept: %v", err)
	}
	assertShipmentStatus(t, e, sh.ID, status.AcceptedByShipper)

	if _, err := e.svc.StartJourney(ctx, DecideCommand{ProposalID: pid, ActorID: "ca_happy"}); err != nil {
		t.Fatalf("start journey: %v", err)
	}
	assertShipmentStatus(t, e, sh.ID, status.JourneyStarted)
	j, err := e.store.GetJourneyByProposal(ctx, pid)
	if err != nil {
		t.Fatalf("get journey: %v", err)
	}
	if j.EndedAt != nil {
		t.Fatal("journey ended before completion")
	}

	if _, err := e.svc.CompleteJourney(ctx, CompleteJourneyCommand{ProposalID: pid, ActorID: "ca_happy"}); err != nil {
		t.Fatalf("complete journey: %v", err)
	}
	assertShipmentStatus(t, e, sh.ID, status.JourneyCompleted)
	assertProposalStatus(t, e, pid, status.JourneyCompleted)
	j, err = e.store.GetJourneyByProposal(ctx, pid)
	if err != nil {
		t.Fatalf("get journey after completion: %v", err)
	}
	if j.EndedAt == nil {
		t.Fatal("expected ended_at to be set")
	}
}

func TestProposalCreationIdempotent(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_idem")
	cr := mustDeclareCarrier(t, e, "ca_idem")

	in := CreateProposalInput{
		ShipmentRequestID: sh.ID,
		CarrierRequestID:  cr.ID,
		CarrierID:         cr.CarrierID,
		InitiatedBy:       InitiatedByCarrier,
		Role:              status.RoleSystem,
		Target:            status.Requested,
	}
	p1, created, err := e.applier.CreateProposal(ctx, in)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !created {
		t.Fatal("expected first create to report created")
	}
	assertShipmentStatus(t, e, sh.ID, status.Requested)
	assertCarrierStatus(t, e, cr.ID, status.Requested)

	p2, created, err := e.applier.CreateProposal(ctx, in)
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if created {
		t.Fatal("expected repeat create to return the existing row")
	}
	if p2.ID != p1.ID {
		t.Fatalf("expected same proposal, got %s and %s", p1.ID, p2.ID)
	}
	assertProposalStatus(t, e, p1.ID, status.Requested)
}

func TestShipperAcceptRetiresSiblings(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_fanout")
	winner := mustBid(t, e, sh.ID, "ca_winner")
	loser := mustBid(t, e, sh.ID, "ca_loser")

	res, err := e.svc.ShipperAccept(ctx, DecideCommand{ProposalID: winner.ID, ActorID: "sh_fanout"})
	if err != nil {
		t.Fatalf("shipper accept: %v", err)
	}
	if len(res.NotSelected) != 1 || res.NotSelected[0].ID != loser.ID {
		t.Fatalf("expected loser in not-selected fan-out, got %+v", res.NotSelected)
	}

	assertProposalStatus(t, e, winner.ID, status.AcceptedByShipper)
	assertProposalStatus(t, e, loser.ID, status.NotSelectedInBid)
	assertShipmentStatus(t, e, sh.ID, status.AcceptedByShipper)
	assertCarrierStatus(t, e, winner.CarrierRequestID, status.AcceptedByShipper)
	// The losing carrier is freed for new matches.
	assertCarrierStatus(t, e, loser.CarrierRequestID, status.Waiting)

	// The retired carrier sees its outcome until acknowledged.
	pending, err := e.svc.UnseenOutcomes(ctx, "ca_loser")
	if err != nil {
		t.Fatalf("unseen outcomes: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != loser.ID {
		t.Fatalf("expected one pending outcome for loser, got %+v", pending)
	}
	if err := e.svc.AcknowledgeOutcome(ctx, AcknowledgeCommand{Scope: AckNotSelected, ID: loser.ID}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	pending, err = e.svc.UnseenOutcomes(ctx, "ca_loser")
	if err != nil {
		t.Fatalf("unseen outcomes after ack: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending outcomes after ack, got %+v", pending)
	}
}

func TestShipperRejectRevertsLastBid(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_revert")
	p := mustBid(t, e, sh.ID, "ca_revert")

	res, err := e.svc.ShipperReject(ctx, DecideCommand{ProposalID: p.ID, ActorID: "sh_revert"})
	if err != nil {
		t.Fatalf("shipper reject: %v", err)
	}
	if !res.ShipmentReverted {
		t.Fatal("expected shipment to revert to waiting")
	}
	assertProposalStatus(t, e, p.ID, status.RejectedByShipper)
	assertShipmentStatus(t, e, sh.ID, status.Waiting)
	assertCarrierStatus(t, e, p.CarrierRequestID, status.Waiting)
}

func TestShipperRejectKeepsShipmentWithRemainingBids(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_keep")
	p1 := mustBid(t, e, sh.ID, "ca_keep_1")
	mustBid(t, e, sh.ID, "ca_keep_2")

	res, err := e.svc.ShipperReject(ctx, DecideCommand{ProposalID: p1.ID, ActorID: "sh_keep"})
	if err != nil {
		t.Fatalf("shipper reject: %v", err)
	}
	if res.ShipmentReverted {
		t.Fatal("shipment must not revert while another bid is active")
	}
	assertShipmentStatus(t, e, sh.ID, status.AcceptedByCarrier)
}

func TestPreBidDeclineIsSilentAndPoisonsPair(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_decline")
	cr := mustDeclareCarrier(t, e, "ca_decline")

	// Auto-matched proposal sitting in requested: the pre-bid stage.
	p, _, err := e.applier.CreateProposal(ctx, CreateProposalInput{
		ShipmentRequestID: sh.ID,
		CarrierRequestID:  cr.ID,
		CarrierID:         cr.CarrierID,
		InitiatedBy:       InitiatedByCarrier,
		Role:              status.RoleSystem,
		Target:            status.Requested,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	before := e.notifier.appliedCount()
	if _, err := e.svc.CarrierDecline(ctx, CarrierDeclineCommand{
		ShipmentRequestID: sh.ID,
		CarrierRequestID:  cr.ID,
		ActorID:           "ca_decline",
	}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if e.notifier.appliedCount() != before {
		t.Fatal("pre-bid decline must not notify")
	}

	assertProposalStatus(t, e, p.ID, status.RejectedByCarrier)
	assertShipmentStatus(t, e, sh.ID, status.Waiting)
	assertCarrierStatus(t, e, cr.ID, status.Waiting)
	if n := countAuditRows(t, e); n != 0 {
		t.Fatalf("pre-bid decline must not audit, found %d records", n)
	}

	// The pair is poisoned for future matching.
	rejected, err := e.store.WasRejected(ctx, sh.ID, cr.CarrierID)
	if err != nil {
		t.Fatalf("was rejected: %v", err)
	}
	if !rejected {
		t.Fatal("expected pair to be excluded from matching")
	}
	_, err = e.svc.CarrierAccept(ctx, CarrierAcceptCommand{
		ShipmentRequestID: sh.ID,
		CarrierRequestID:  cr.ID,
		ActorID:           "ca_decline",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("bid after decline: expected ErrConflict, got %v", err)
	}
}

func TestDeclineWithoutProposalRecordsRejectedPair(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_offer")
	cr := mustDeclareCarrier(t, e, "ca_offer")

	// Declining a fan-out offer that never produced a proposal.
	if _, err := e.svc.CarrierDecline(ctx, CarrierDeclineCommand{
		ShipmentRequestID: sh.ID,
		CarrierRequestID:  cr.ID,
		ActorID:           "ca_offer",
	}); err != nil {
		t.Fatalf("decline: %v", err)
	}

	p, err := e.store.GetProposalByPair(ctx, sh.ID, cr.ID)
	if err != nil {
		t.Fatalf("expected a recorded pair, got %v", err)
	}
	if p.Status != status.RejectedByCarrier {
		t.Fatalf("expected rejected_by_carrier, got %s", p.Status)
	}
	if !p.RejectionSeen {
		t.Fatal("a pre-bid decline needs no acknowledgement")
	}
	// Neither side moved; the carrier stays available and the shipment open.
	assertShipmentStatus(t, e, sh.ID, status.Waiting)
	assertCarrierStatus(t, e, cr.ID, status.Waiting)
}

func TestPostBidDeclineBecomesCancellation(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_postbid")
	p := mustBid(t, e, sh.ID, "ca_postbid")

	before := e.notifier.appliedCount()
	if _, err := e.svc.CarrierDecline(ctx, CarrierDeclineCommand{
		ShipmentRequestID: sh.ID,
		CarrierRequestID:  p.CarrierRequestID,
		ActorID:           "ca_postbid",
	}); err != nil {
		t.Fatalf("decline after bid: %v", err)
	}

	assertProposalStatus(t, e, p.ID, status.CancelledByCarrier)
	assertCarrierStatus(t, e, p.CarrierRequestID, status.CancelledByCarrier)
	assertShipmentStatus(t, e, sh.ID, status.Waiting)
	if e.notifier.appliedCount() != before+1 {
		t.Fatal("post-bid withdrawal must notify the shipper")
	}
	if n := countAuditRows(t, e); n != 1 {
		t.Fatalf("expected one cancellation record, got %d", n)
	}
}

// TestDeclineAfterNotSelectedKeepsAvailability pins a withdrawal edge: once
// the shipper picked another bid and retired this pair, a late decline on it
// is a conflict and must not close the carrier's open availability.
func TestDeclineAfterNotSelectedKeepsAvailability(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_late")
	winner := mustBid(t, e, sh.ID, "ca_late_winner")
	loser := mustBid(t, e, sh.ID, "ca_late_loser")

	if _, err := e.svc.ShipperAccept(ctx, DecideCommand{ProposalID: winner.ID, ActorID: "sh_late"}); err != nil {
		t.Fatalf("shipper accept: %v", err)
	}
	assertProposalStatus(t, e, loser.ID, status.NotSelectedInBid)
	assertCarrierStatus(t, e, loser.CarrierRequestID, status.Waiting)

	res, err := e.svc.CarrierDecline(ctx, CarrierDeclineCommand{
		ShipmentRequestID: sh.ID,
		CarrierRequestID:  loser.CarrierRequestID,
		ActorID:           "ca_late_loser",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("late decline: expected ErrConflict, got %v", err)
	}
	if res != nil {
		t.Fatalf("late decline must not produce a transition, got %+v", res)
	}
	// The retired pair is untouched and the carrier stays matchable.
	assertProposalStatus(t, e, loser.ID, status.NotSelectedInBid)
	assertCarrierStatus(t, e, loser.CarrierRequestID, status.Waiting)
}

func TestCancelShipmentFanOut(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_cancel")
	p1 := mustBid(t, e, sh.ID, "ca_cancel_1")
	p2 := mustBid(t, e, sh.ID, "ca_cancel_2")

	results, err := e.svc.CancelShipment(ctx, CancelCommand{
		ID:     sh.ID,
		Actor:  Actor{ID: "sh_cancel", Role: status.RoleShipper},
		Reason: "user_cancel",
	})
	if err != nil {
		t.Fatalf("cancel shipment: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 resolved proposals, got %d", len(results))
	}

	assertShipmentStatus(t, e, sh.ID, status.CancelledByShipper)
	for _, p := range []*MatchProposal{p1, p2} {
		assertProposalStatus(t, e, p.ID, status.CancelledByShipper)
		assertCarrierStatus(t, e, p.CarrierRequestID, status.CancelledByShipper)
	}
	if n := countAuditRows(t, e); n != 2 {
		t.Fatalf("expected one cancellation record per proposal, got %d", n)
	}

	// Each affected carrier has an unacknowledged cancellation.
	for _, carrierID := range []types.ID{"ca_cancel_1", "ca_cancel_2"} {
		pending, err := e.svc.UnseenOutcomes(ctx, carrierID)
		if err != nil {
			t.Fatalf("unseen outcomes: %v", err)
		}
		if len(pending) != 1 {
			t.Fatalf("expected one pending outcome for %s, got %d", carrierID, len(pending))
		}
	}
}

func TestCancelShipmentWithoutBids(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_nobids")
	cmd := CancelCommand{
		ID:     sh.ID,
		Actor:  Actor{ID: "ops_1", Role: status.RoleAdmin},
		Reason: "admin_cancel",
	}
	results, err := e.svc.CancelShipment(ctx, cmd)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	assertShipmentStatus(t, e, sh.ID, status.CancelledByAdmin)

	if _, err := e.svc.CancelShipment(ctx, cmd); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("repeat cancel: expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestCancelCarrierWithoutProposal(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	cr := mustDeclareCarrier(t, e, "ca_idle")
	cmd := CancelCommand{
		ID:     cr.ID,
		Actor:  Actor{ID: "ca_idle", Role: status.RoleCarrier},
		Reason: "user_cancel",
	}
	if _, err := e.svc.CancelCarrier(ctx, cmd); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	assertCarrierStatus(t, e, cr.ID, status.CancelledByCarrier)

	if _, err := e.svc.CancelCarrier(ctx, cmd); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("repeat cancel: expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestOwnershipChecks(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_owner")
	p := mustBid(t, e, sh.ID, "ca_owner")

	if _, err := e.svc.ShipperAccept(ctx, DecideCommand{ProposalID: p.ID, ActorID: "sh_imposter"}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("accept by non-owner: expected ErrNotAllowed, got %v", err)
	}
	if _, err := e.svc.StartJourney(ctx, DecideCommand{ProposalID: p.ID, ActorID: "ca_imposter"}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("start by non-carrier: expected ErrNotAllowed, got %v", err)
	}
	if _, err := e.svc.CancelShipment(ctx, CancelCommand{
		ID:    sh.ID,
		Actor: Actor{ID: "sh_imposter", Role: status.RoleShipper},
	}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("cancel by non-owner: expected ErrNotAllowed, got %v", err)
	}

	// Admin may act on resources it does not own.
	if _, err := e.svc.CancelShipment(ctx, CancelCommand{
		ID:     sh.ID,
		Actor:  Actor{ID: "ops_1", Role: status.RoleAdmin},
		Reason: "admin_cancel",
	}); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	assertShipmentStatus(t, e, sh.ID, status.CancelledByAdmin)
}

func TestTimeoutSweepResolvesStaleAutoMatch(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	sh := mustSubmitShipment(t, e, "sh_stale")
	cr := mustDeclareCarrier(t, e, "ca_stale")
	p, _, err := e.applier.CreateProposal(ctx, CreateProposalInput{
		ShipmentRequestID: sh.ID,
		CarrierRequestID:  cr.ID,
		CarrierID:         cr.CarrierID,
		InitiatedBy:       InitiatedByCarrier,
		Role:              status.RoleSystem,
		Target:            status.Requested,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if _, err := e.db.Exec(ctx,
		`UPDATE match_proposals SET decided_at = NOW() - INTERVAL '1 hour' WHERE id = $1`,
		string(p.ID)); err != nil {
		t.Fatalf("backdate proposal: %v", err)
	}

	stale, err := e.store.StaleRequestedProposals(ctx, time.Now().Add(-5*time.Minute), 100)
	if err != nil {
		t.Fatalf("stale scan: %v", err)
	}
	if len(stale) != 1 || stale[0].ProposalID != p.ID {
		t.Fatalf("expected the backdated proposal, got %+v", stale)
	}

	req := TransitionRequest{
		ProposalID: p.ID,
		Target:     status.NoAnswerFromCarrier,
		Role:       status.RoleSystem,
	}
	if _, err := e.applier.Apply(ctx, req); err != nil {
		t.Fatalf("timeout transition: %v", err)
	}
	assertProposalStatus(t, e, p.ID, status.NoAnswerFromCarrier)
	assertShipmentStatus(t, e, sh.ID, status.Waiting)

	// The sweep is idempotent: a second resolution is a no-op conflict.
	if _, err := e.applier.Apply(ctx, req); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("repeat timeout: expected ErrAlreadyProcessed, got %v", err)
	}
	stale, err = e.store.StaleRequestedProposals(ctx, time.Now().Add(-5*time.Minute), 100)
	if err != nil {
		t.Fatalf("stale rescan: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale candidates after resolution, got %+v", stale)
	}
}

func TestSubmitShipmentValidation(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	_, err := e.svc.SubmitShipment(ctx, SubmitShipmentCommand{
		ShipperID:   "sh_val",
		VehicleType: "box_truck",
		Item:        "pallets",
		Quantity:    0, // must be positive
	})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for zero quantity, got %v", err)
	}

	_, err = e.svc.SubmitShipment(ctx, SubmitShipmentCommand{
		ShipperID: "sh_val",
		Item:      "pallets",
		Quantity:  1,
	})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for missing vehicle type, got %v", err)
	}
}

// --- helpers ---

func mustSubmitShipment(t *testing.T, e *testEngine, shipperID types.ID) *ShipmentRequest {
	t.Helper()
	sh, err := e.svc.SubmitShipment(context.Background(), SubmitShipmentCommand{
		ShipperID:   shipperID,
		Origin:      types.Place{Point: types.Point{Lat: 37.7749, Lng: -122.4194}, Name: "SF depot"},
		Destination: types.Place{Point: types.Point{Lat: 34.0522, Lng: -118.2437}, Name: "LA warehouse"},
		VehicleType: "box_truck",
		Item:        "pallets",
		Quantity:    4,
	})
	if err != nil {
		t.Fatalf("submit shipment: %v", err)
	}
	return sh
}

func mustDeclareCarrier(t *testing.T, e *testEngine, carrierID types.ID) *CarrierRequest {
	t.Helper()
	cr, _, err := e.svc.DeclareAvailability(context.Background(), DeclareAvailabilityCommand{
		CarrierID:   carrierID,
		Origin:      types.Point{Lat: 37.78, Lng: -122.41},
		VehicleType: "box_truck",
	})
	if err != nil {
		t.Fatalf("declare availability: %v", err)
	}
	return cr
}

// mustBid declares availability for carrierID and places a direct bid on the
// shipment, returning the accepted proposal.
func mustBid(t *testing.T, e *testEngine, shipmentID types.ID, carrierID types.ID) *MatchProposal {
	t.Helper()
	cr := mustDeclareCarrier(t, e, carrierID)
	res, err := e.svc.CarrierAccept(context.Background(), CarrierAcceptCommand{
		ShipmentRequestID: shipmentID,
		CarrierRequestID:  cr.ID,
		ActorID:           carrierID,
		Quote:             Quote{Cost: &types.Money{Amount: 95000, Currency: "USD"}},
	})
	if err != nil {
		t.Fatalf("bid for %s: %v", carrierID, err)
	}
	return res.Proposal
}

func assertShipmentStatus(t *testing.T, e *testEngine, id types.ID, want status.Status) {
	t.Helper()
	sh, err := e.store.GetShipment(context.Background(), id)
	if err != nil {
		t.Fatalf("get shipment: %v", err)
	}
	if sh.Status != want {
		t.Fatalf("shipment status = %s, want %s", sh.Status, want)
	}
}

func assertCarrierStatus(t *testing.T, e *testEngine, id types.ID, want status.Status) {
	t.Helper()
	cr, err := e.store.GetCarrier(context.Background(), id)
	if err != nil {
		t.Fatalf("get carrier request: %v", err)
	}
	if cr.Status != want {
		t.Fatalf("carrier request status = %s, want %s", cr.Status, want)
	}
}

func assertProposalStatus(t *testing.T, e *testEngine, id types.ID, want status.Status) {
	t.Helper()
	p, err := e.store.GetProposal(context.Background(), id)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != want {
		t.Fatalf("proposal status = %s, want %s", p.Status, want)
	}
}

func countAuditRows(t *testing.T, e *testEngine) int {
	t.Helper()
	var n int
	if err := e.db.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM cancellation_records`).Scan(&n); err != nil {
		t.Fatalf("count cancellation records: %v", err)
	}
	return n
}

func setupTestEngine(t *testing.T) *testEngine {
	t.Helper()

	dsn := os.Getenv("CARGOLINK_TEST_DSN")
	if dsn == "" {
		t.Skip("CARGOLINK_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, `TRUNCATE TABLE
		cancellation_records, route_points, journeys,
		match_proposals, carrier_requests, shipment_requests`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	log := zerolog.Nop()
	store := NewStore(db)
	applier := NewApplier(store, log)
	resolver := NewResolver(store, applier, log)
	notifier := &recNotifier{}
	svc := NewService(store, applier, resolver, stubMatcher{}, notifier, nil, log)
	return &testEngine{
		db:       db,
		store:    store,
		applier:  applier,
		resolver: resolver,
		svc:      svc,
		notifier: notifier,
	}
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	cleaned := stripSQLComments(string(content))
	for _, stmt := range splitSQL(cleaned) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
