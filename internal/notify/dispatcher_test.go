// README: Dispatcher unit tests with an in-memory channel.
package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"cargolink/internal/modules/dispatch"
	"cargolink/internal/status"
	"cargolink/internal/types"
)

type mockChannel struct {
	name string
	err  error
	sent []struct {
		Rec Recipient
		In  Intent
	}
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(_ context.Context, rec Recipient, in Intent) error {
	m.sent = append(m.sent, struct {
		Rec Recipient
		In  Intent
	}{rec, in})
	return m.err
}

type mockDirectory struct{}

func (mockDirectory) ShipperProfile(_ context.Context, id types.ID) (Profile, error) {
	return Profile{ID: id, Name: "shipper " + string(id)}, nil
}

func (mockDirectory) CarrierProfile(_ context.Context, id types.ID) (Profile, Vehicle, error) {
	return Profile{ID: id, Name: "carrier " + string(id)}, Vehicle{PlateNumber: "ABC-123", VehicleType: "truck"}, nil
}

func sampleResult(target status.Status) *dispatch.TransitionResult {
	return &dispatch.TransitionResult{
		Proposal: &dispatch.MatchProposal{ID: "p1", CarrierID: "u-carrier", Status: target},
		Shipment: &dispatch.ShipmentRequest{ID: "s1", ShipperID: "u-shipper", Item: "boxes", Quantity: 3},
		Carrier:  &dispatch.CarrierRequest{ID: "c1", CarrierID: "u-carrier", VehicleType: "truck"},
	}
}

func TestTransitionApplied_NotifiesCounterpart(t *testing.T) {
	ch := &mockChannel{name: "test"}
	d := NewDispatcher(mockDirectory{}, zerolog.Nop(), ch)

	d.TransitionApplied(context.Background(), sampleResult(status.AcceptedByCarrier))

	if len(ch.sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(ch.sent))
	}
	got := ch.sent[0]
	if got.Rec.UserID != "u-shipper" || got.Rec.Role != status.RoleShipper {
		t.Fatalf("a carrier acceptance must notify the shipper, got %+v", got.Rec)
	}
	if got.In.Event != "accepted_by_carrier" {
		t.Fatalf("unexpected event name %q", got.In.Event)
	}
	if got.In.Carrier == nil || got.In.Carrier.Vehicle.PlateNumber != "ABC-123" {
		t.Fatal("expected enriched carrier payload with vehicle")
	}
}

func TestTransitionApplied_SilentStatusesDropped(t *testing.T) {
	ch := &mockChannel{name: "test"}
	d := NewDispatcher(mockDirectory{}, zerolog.Nop(), ch)

	d.TransitionApplied(context.Background(), sampleResult(status.RejectedByCarrier))

	if len(ch.sent) != 0 {
		t.Fatalf("pre-bid declines must be silent, got %d deliveries", len(ch.sent))
	}
}

func TestTransitionApplied_NonSelectionNotifiesCarrier(t *testing.T) {
	ch := &mockChannel{name: "test"}
	d := NewDispatcher(mockDirectory{}, zerolog.Nop(), ch)

	d.TransitionApplied(context.Background(), sampleResult(status.NotSelectedInBid))

	if len(ch.sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(ch.sent))
	}
	if ch.sent[0].Rec.UserID != "u-carrier" {
		t.Fatalf("non-selection must notify the losing carrier, got %+v", ch.sent[0].Rec)
	}
}

func TestTransitionApplied_SystemOutcomeNotifiesBoth(t *testing.T) {
	ch := &mockChannel{name: "test"}
	d := NewDispatcher(mockDirectory{}, zerolog.Nop(), ch)

	d.TransitionApplied(context.Background(), sampleResult(status.NoAnswerFromCarrier))

	if len(ch.sent) != 2 {
		t.Fatalf("a timeout must notify both sides, got %d deliveries", len(ch.sent))
	}
}

// Delivery failures must never propagate; the dispatcher swallows and logs.
func TestDeliver_FailuresSwallowed(t *testing.T) {
	failing := &mockChannel{name: "ws", err: errors.New("socket closed")}
	working := &mockChannel{name: "push"}
	d := NewDispatcher(mockDirectory{}, zerolog.Nop(), failing, working)

	d.TransitionApplied(context.Background(), sampleResult(status.AcceptedByShipper))

	if len(failing.sent) != 1 || len(working.sent) != 1 {
		t.Fatalf("both channels must be attempted, got ws=%d push=%d", len(failing.sent), len(working.sent))
	}
}

func TestMatchOffered_OneIntentPerCarrier(t *testing.T) {
	ch := &mockChannel{name: "test"}
	d := NewDispatcher(mockDirectory{}, zerolog.Nop(), ch)

	sh := &dispatch.ShipmentRequest{ID: "s1", ShipperID: "u-shipper", Item: "boxes"}
	carriers := []dispatch.CarrierRequest{
		{ID: "c1", CarrierID: "u1"},
		{ID: "c2", CarrierID: "u2"},
		{ID: "c3", CarrierID: "u3"},
	}
	d.MatchOffered(context.Background(), sh, carriers)

	if len(ch.sent) != 3 {
		t.Fatalf("expected one delivery per carrier, got %d", len(ch.sent))
	}
	for i, want := range []types.ID{"u1", "u2", "u3"} {
		if ch.sent[i].Rec.UserID != want {
			t.Fatalf("delivery %d went to %s, want %s", i, ch.sent[i].Rec.UserID, want)
		}
	}
}
