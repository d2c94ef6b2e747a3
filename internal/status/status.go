// README: Dispatch status model: the fifteen-state enum, transition table,
// and classification predicates shared by every engine component.
package status

// Status is a dispatch lifecycle state. The numeric codes are part of the
// stored data format and are not purely chronological: the negative branch
// states were appended over time, so their ordinals interleave with progress.
type Status int

const (
	None                Status = 0
	Waiting             Status = 1
	Requested           Status = 2
	AcceptedByCarrier   Status = 3
	AcceptedByShipper   Status = 4
	JourneyStarted      Status = 5
	JourneyCompleted    Status = 6
	CancelledByShipper  Status = 7
	RejectedByShipper   Status = 8
	CancelledByCarrier  Status = 9
	CancelledByAdmin    Status = 10
	CompletedByAdmin    Status = 11
	CancelledBySystem   Status = 12
	NoAnswerFromCarrier Status = 13
	NotSelectedInBid    Status = 14
	RejectedByCarrier   Status = 15
)

var names = map[Status]string{
	None:                "none",
	Waiting:             "waiting",
	Requested:           "requested",
	AcceptedByCarrier:   "accepted_by_carrier",
	AcceptedByShipper:   "accepted_by_shipper",
	JourneyStarted:      "journey_started",
	JourneyCompleted:    "journey_completed",
	CancelledByShipper:  "cancelled_by_shipper",
	RejectedByShipper:   "rejected_by_shipper",
	CancelledByCarrier:  "cancelled_by_carrier",
	CancelledByAdmin:    "cancelled_by_admin",
	CompletedByAdmin:    "completed_by_admin",
	CancelledBySystem:   "cancelled_by_system",
	NoAnswerFromCarrier: "no_answer_from_carrier",
	NotSelectedInBid:    "not_selected_in_bid",
	RejectedByCarrier:   "rejected_by_carrier",
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return "unknown"
}

// Role identifies which side of the marketplace triggers a transition.
type Role string

const (
	RoleShipper Role = "shipper"
	RoleCarrier Role = "carrier"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// transitions maps a current status to the set of target statuses any role may
// reach from it. Role-specific restrictions are applied on top in CanTransition.
var transitions = map[Status][]Status{
	None: {Waiting},
	Waiting: {
		Requested, AcceptedByCarrier,
		CancelledByShipper, CancelledByAdmin, CancelledBySystem,
		RejectedByCarrier,
	},
	Requested: {
		AcceptedByCarrier, AcceptedByShipper,
		CancelledByShipper, CancelledByCarrier, CancelledByAdmin, CancelledBySystem,
		RejectedByShipper, RejectedByCarrier,
		NoAnswerFromCarrier,
		Waiting, // reversion when the last active bid dies
	},
	AcceptedByCarrier: {
		AcceptedByShipper,
		CancelledByShipper, CancelledByCarrier, CancelledByAdmin, CancelledBySystem,
		RejectedByShipper,
		NotSelectedInBid,
		Waiting,
	},
	AcceptedByShipper: {
		JourneyStarted,
		CancelledByShipper, CancelledByCarrier, CancelledByAdmin, CancelledBySystem,
		Waiting,
	},
	JourneyStarted: {
		JourneyCompleted, CompletedByAdmin,
		CancelledByShipper, CancelledByCarrier, CancelledByAdmin, CancelledBySystem,
	},
}

// roleTargets restricts which terminal statuses each role may drive directly.
// Side-effect statuses (NotSelectedInBid, Waiting reversion) are system-applied.
var roleTargets = map[Role]map[Status]bool{
	RoleShipper: {
		Requested:          true,
		AcceptedByShipper:  true,
		CancelledByShipper: true,
		RejectedByShipper:  true,
	},
	RoleCarrier: {
		Requested:          true,
		AcceptedByCarrier:  true,
		JourneyStarted:     true,
		JourneyCompleted:   true,
		CancelledByCarrier: true,
		RejectedByCarrier:  true,
	},
	RoleAdmin: {
		CancelledByAdmin: true,
		CompletedByAdmin: true,
	},
	RoleSystem: {
		Waiting:             true,
		Requested:           true,
		AcceptedByCarrier:   true,
		CancelledBySystem:   true,
		NoAnswerFromCarrier: true,
		NotSelectedInBid:    true,
	},
}

// CanTransition reports whether role may move a request from current to target.
func CanTransition(current, target Status, role Role) bool {
	next, ok := transitions[current]
	if !ok {
		return false
	}
	allowed, ok := roleTargets[role]
	if !ok || !allowed[target] {
		return false
	}
	for _, s := range next {
		if s == target {
			return true
		}
	}
	return false
}

// Reachable reports whether target appears in current's transition set at all,
// regardless of role. Used for the shipment-side mirror of a proposal move.
func Reachable(current, target Status) bool {
	for _, s := range transitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a branch outcome past the happy path.
// JourneyCompleted itself is the positive end state and is excluded here; it is
// retired through the completion seen-flag instead. Acknowledgement-pending
// states count as terminal but stay visible until seen.
func IsTerminal(s Status) bool {
	return s > JourneyCompleted
}

// IsActive reports whether a proposal in s still counts toward the active-bid
// total of its shipment request.
func IsActive(s Status) bool {
	switch s {
	case Requested, AcceptedByCarrier, AcceptedByShipper, JourneyStarted:
		return true
	}
	return false
}

// IsNegative reports whether s is a rejection/cancellation outcome.
func IsNegative(s Status) bool {
	switch s {
	case CancelledByShipper, RejectedByShipper, CancelledByCarrier,
		CancelledByAdmin, CancelledBySystem, NoAnswerFromCarrier,
		NotSelectedInBid, RejectedByCarrier:
		return true
	}
	return false
}

// NeedsAcknowledgement reports whether s must remain visible to the counterpart
// until its seen-flag is set.
func NeedsAcknowledgement(s Status) bool {
	switch s {
	case NotSelectedInBid, CancelledByShipper, CancelledByAdmin, RejectedByShipper:
		return true
	}
	return false
}

// RequiresNotification reports whether reaching s must trigger a push to the
// affected counterpart. Pre-bid declines are silent.
func RequiresNotification(s Status) bool {
	switch s {
	case RejectedByCarrier, Waiting, None:
		return false
	}
	return true
}

// OpenForBids is the set of shipment statuses still accepting more carriers.
var OpenForBids = []Status{Waiting, Requested, AcceptedByCarrier}

// RejectionOutcomes is the set of proposal statuses that poison a
// (shipment, carrier) pair for future matching.
var RejectionOutcomes = []Status{
	CancelledByCarrier, RejectedByShipper, RejectedByCarrier, CancelledByAdmin,
}
