// README: Route breadcrumbs recorded along a journey.
package tracking

import (
	"time"

	"cargolink/internal/types"
)

// RoutePoint is one GPS breadcrumb on a proposal's journey. Append-only.
type RoutePoint struct {
	ID         int64
	ProposalID types.ID
	Position   types.Point
	RecordedAt time.Time
}
