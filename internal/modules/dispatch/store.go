// README: Dispatch store backed by PostgreSQL. Pool-scoped reads plus the
// tx-scoped locking operations the transition applier composes into one
// atomic unit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cargolink/internal/status"
	"cargolink/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Begin opens the transaction the applier uses as its atomic unit.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.db.Begin(ctx)
}

const shipmentCols = `
	id, external_id, shipper_id,
	origin_lat, origin_lng, origin_name,
	dest_lat, dest_lng, dest_name,
	vehicle_type, batch_id, item, quantity,
	shipping_date, delivery_date, offered_cost, currency,
	status, status_version, completion_seen, created_at`

func (s *Store) CreateShipment(ctx context.Context, r *ShipmentRequest) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO shipment_requests (`+shipmentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		string(r.ID), r.ExternalID, string(r.ShipperID),
		r.Origin.Lat, r.Origin.Lng, r.Origin.Name,
		r.Destination.Lat, r.Destination.Lng, r.Destination.Name,
		r.VehicleType, r.BatchID, r.Item, r.Quantity,
		r.ShippingDate, r.DeliveryDate, moneyAmount(r.OfferedCost), moneyCurrency(r.OfferedCost),
		int(r.Status), r.StatusVersion, r.CompletionSeen, r.CreatedAt,
	)
	return err
}

func (s *Store) GetShipment(ctx context.Context, id types.ID) (*ShipmentRequest, error) {
	return scanShipment(s.db.QueryRow(ctx, `
		SELECT `+shipmentCols+` FROM shipment_requests WHERE id = $1`, string(id)))
}

// LockShipment re-fetches a shipment row under FOR UPDATE inside tx.
func (s *Store) LockShipment(ctx context.Context, tx pgx.Tx, id types.ID) (*ShipmentRequest, error) {
	return scanShipment(tx.QueryRow(ctx, `
		SELECT `+shipmentCols+` FROM shipment_requests WHERE id = $1 FOR UPDATE`, string(id)))
}

const carrierCols = `
	id, external_id, carrier_id, origin_lat, origin_lng, vehicle_type,
	status, status_version, cancellation_seen, created_at`

func (s *Store) CreateCarrier(ctx context.Context, r *CarrierRequest) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO carrier_requests (`+carrierCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		string(r.ID), r.ExternalID, string(r.CarrierID),
		r.Origin.Lat, r.Origin.Lng, r.VehicleType,
		int(r.Status), r.StatusVersion, r.CancellationSeen, r.CreatedAt,
	)
	return err
}

func (s *Store) GetCarrier(ctx context.Context, id types.ID) (*CarrierRequest, error) {
	return scanCarrier(s.db.QueryRow(ctx, `
		SELECT `+carrierCols+` FROM carrier_requests WHERE id = $1`, string(id)))
}

func (s *Store) LockCarrier(ctx context.Context, tx pgx.Tx, id types.ID) (*CarrierRequest, error) {
	return scanCarrier(tx.QueryRow(ctx, `
		SELECT `+carrierCols+` FROM carrier_requests WHERE id = $1 FOR UPDATE`, string(id)))
}

const proposalCols = `
	id, shipment_request_id, carrier_request_id, carrier_id, initiated_by,
	quoted_cost, currency, quoted_shipping, quoted_delivery,
	status, status_version, decided_at,
	not_selected_seen, cancellation_seen, rejection_seen`

func (s *Store) GetProposal(ctx context.Context, id types.ID) (*MatchProposal, error) {
	return scanProposal(s.db.QueryRow(ctx, `
		SELECT `+proposalCols+` FROM match_proposals WHERE id = $1`, string(id)))
}

func (s *Store) GetProposalByPair(ctx context.Context, shipmentID, carrierReqID types.ID) (*MatchProposal, error) {
	return scanProposal(s.db.QueryRow(ctx, `
		SELECT `+proposalCols+` FROM match_proposals
		WHERE shipment_request_id = $1 AND carrier_request_id = $2`,
		string(shipmentID), string(carrierReqID)))
}

func (s *Store) LockProposal(ctx context.Context, tx pgx.Tx, id types.ID) (*MatchProposal, error) {
	return scanProposal(tx.QueryRow(ctx, `
		SELECT `+proposalCols+` FROM match_proposals WHERE id = $1 FOR UPDATE`, string(id)))
}

func (s *Store) LockProposalByPair(ctx context.Context, tx pgx.Tx, shipmentID, carrierReqID types.ID) (*MatchProposal, error) {
	return scanProposal(tx.QueryRow(ctx, `
		SELECT `+proposalCols+` FROM match_proposals
		WHERE shipment_request_id = $1 AND carrier_request_id = $2 FOR UPDATE`,
		string(shipmentID), string(carrierReqID)))
}

// InsertProposalTx inserts a proposal inside tx. The unique pair constraint
// backs the caller's check-then-insert; a duplicate insert surfaces as an
// error rather than a second row.
func (s *Store) InsertProposalTx(ctx context.Context, tx pgx.Tx, p *MatchProposal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO match_proposals (`+proposalCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		string(p.ID), string(p.ShipmentRequestID), string(p.CarrierRequestID),
		string(p.CarrierID), string(p.InitiatedBy),
		moneyAmount(p.QuotedCost), moneyCurrency(p.QuotedCost), p.QuotedShipping, p.QuotedDelivery,
		int(p.Status), p.StatusVersion, p.DecidedAt,
		p.NotSelectedSeen, p.CancellationSeen, p.RejectionSeen,
	)
	return err
}

func (s *Store) UpdateShipmentStatusTx(ctx context.Context, tx pgx.Tx, id types.ID, from, to status.Status, version int) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE shipment_requests
		SET status = $1, status_version = status_version + 1
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		int(to), string(id), int(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateCarrierStatusTx(ctx context.Context, tx pgx.Tx, id types.ID, from, to status.Status, version int, resetSeen bool) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE carrier_requests
		SET status = $1,
		    status_version = status_version + 1,
		    cancellation_seen = CASE WHEN $5 THEN FALSE ELSE cancellation_seen END
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		int(to), string(id), int(from), version, resetSeen,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProposalStatusTx moves a proposal to its new status and resets the
// seen-flag matching the outcome so the counterpart is re-notified.
func (s *Store) UpdateProposalStatusTx(ctx context.Context, tx pgx.Tx, id types.ID, from, to status.Status, version int) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE match_proposals
		SET status = $1,
		    status_version = status_version + 1,
		    decided_at = NOW(),
		    not_selected_seen = CASE WHEN $1 = $5 THEN FALSE ELSE not_selected_seen END,
		    cancellation_seen = CASE WHEN $1 IN ($6, $7) THEN FALSE ELSE cancellation_seen END,
		    rejection_seen    = CASE WHEN $1 = $8 THEN FALSE ELSE rejection_seen END
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		int(to), string(id), int(from), version,
		int(status.NotSelectedInBid),
		int(status.CancelledByShipper), int(status.CancelledByAdmin),
		int(status.RejectedByShipper),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ActiveProposalCountTx is the single named invariant check deciding whether a
// shipment reverts to waiting. Must be called inside the same tx as the write
// it guards; exclude is the proposal currently being transitioned.
func (s *Store) ActiveProposalCountTx(ctx context.Context, tx pgx.Tx, shipmentID, exclude types.ID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM match_proposals
		WHERE shipment_request_id = $1 AND id <> $2 AND status = ANY($3)`,
		string(shipmentID), string(exclude), activeStatusCodes(),
	).Scan(&n)
	return n, err
}

// ListActiveProposalsTx returns the other active proposals of a shipment,
// locked, for side-effect fan-out (non-selection, shipper cancellation).
func (s *Store) ListActiveProposalsTx(ctx context.Context, tx pgx.Tx, shipmentID, exclude types.ID) ([]MatchProposal, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+proposalCols+` FROM match_proposals
		WHERE shipment_request_id = $1 AND id <> $2 AND status = ANY($3)
		ORDER BY decided_at FOR UPDATE`,
		string(shipmentID), string(exclude), activeStatusCodes(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProposals(rows)
}

// ActiveProposalForCarrier returns the carrier request's single active
// proposal, or ErrNotFound when it has none.
func (s *Store) ActiveProposalForCarrier(ctx context.Context, carrierReqID types.ID) (*MatchProposal, error) {
	return scanProposal(s.db.QueryRow(ctx, `
		SELECT `+proposalCols+` FROM match_proposals
		WHERE carrier_request_id = $1 AND status = ANY($2)
		ORDER BY decided_at DESC
		LIMIT 1`,
		string(carrierReqID), activeStatusCodes()))
}

func (s *Store) ListActiveProposals(ctx context.Context, shipmentID types.ID) ([]MatchProposal, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+proposalCols+` FROM match_proposals
		WHERE shipment_request_id = $1 AND status = ANY($2)
		ORDER BY decided_at`,
		string(shipmentID), activeStatusCodes(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProposals(rows)
}

const journeyCols = `id, match_proposal_id, started_at, ended_at, fare, currency, status`

// InsertJourneyTx creates the journey row for a proposal exactly once; a
// repeat insert returns the existing row untouched.
func (s *Store) InsertJourneyTx(ctx context.Context, tx pgx.Tx, j *Journey) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO journeys (`+journeyCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (match_proposal_id) DO NOTHING`,
		string(j.ID), string(j.ProposalID), j.StartedAt, j.EndedAt,
		moneyAmount(j.Fare), moneyCurrency(j.Fare), int(j.Status),
	)
	return err
}

func (s *Store) EndJourneyTx(ctx context.Context, tx pgx.Tx, proposalID types.ID, endedAt time.Time, fare *types.Money, to status.Status) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE journeys
		SET ended_at = $1, fare = $2, currency = $3, status = $4
		WHERE match_proposal_id = $5 AND ended_at IS NULL`,
		endedAt, moneyAmount(fare), moneyCurrency(fare), int(to), string(proposalID),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetJourneyByProposal(ctx context.Context, proposalID types.ID) (*Journey, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+journeyCols+` FROM journeys WHERE match_proposal_id = $1`, string(proposalID))
	return scanJourney(row)
}

func (s *Store) JourneyExistsTx(ctx context.Context, tx pgx.Tx, proposalID types.ID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM journeys WHERE match_proposal_id = $1)`,
		string(proposalID)).Scan(&exists)
	return exists, err
}

// InsertCancellationTx writes the audit row at most once per context; a second
// cancellation attempt on an already-recorded context is a no-op.
func (s *Store) InsertCancellationTx(ctx context.Context, tx pgx.Tx, r *CancellationRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO cancellation_records (id, actor_id, actor_role, reason_code, context_type, context_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (context_type, context_id) DO NOTHING`,
		string(r.ID), string(r.ActorID), string(r.ActorRole), r.ReasonCode,
		string(r.ContextType), string(r.ContextID), r.CreatedAt,
	)
	return err
}

// WasRejected reports whether any proposal between this exact pair ever
// reached a poisoning outcome. Pure read, consulted by the matcher.
func (s *Store) WasRejected(ctx context.Context, shipmentID, carrierUserID types.ID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM match_proposals
			WHERE shipment_request_id = $1 AND carrier_id = $2 AND status = ANY($3)
		)`,
		string(shipmentID), string(carrierUserID), rejectionStatusCodes(),
	).Scan(&exists)
	return exists, err
}

// ShipmentsInBox returns shipments of the given vehicle type, still open to
// more bidders, inside the symmetric search box around center.
func (s *Store) ShipmentsInBox(ctx context.Context, center types.Point, latDelta, lngDelta float64, vehicleType string, limit int) ([]ShipmentRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+shipmentCols+` FROM shipment_requests
		WHERE vehicle_type = $1
		  AND status = ANY($2)
		  AND origin_lat BETWEEN $3 AND $4
		  AND origin_lng BETWEEN $5 AND $6
		ORDER BY created_at
		LIMIT $7`,
		vehicleType, openStatusCodes(),
		center.Lat-latDelta, center.Lat+latDelta,
		center.Lng-lngDelta, center.Lng+lngDelta,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ShipmentRequest
	for rows.Next() {
		r, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CarriersInBox returns idle carrier requests of the given vehicle type inside
// the box around center.
func (s *Store) CarriersInBox(ctx context.Context, center types.Point, latDelta, lngDelta float64, vehicleType string, limit int) ([]CarrierRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+carrierCols+` FROM carrier_requests
		WHERE vehicle_type = $1
		  AND status = $2
		  AND origin_lat BETWEEN $3 AND $4
		  AND origin_lng BETWEEN $5 AND $6
		ORDER BY created_at
		LIMIT $7`,
		vehicleType, int(status.Waiting),
		center.Lat-latDelta, center.Lat+latDelta,
		center.Lng-lngDelta, center.Lng+lngDelta,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CarrierRequest
	for rows.Next() {
		r, err := scanCarrier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// StaleCandidate is one sweep candidate: a carrier-initiated proposal stuck in
// requested together with its parent ids.
type StaleCandidate struct {
	ProposalID        types.ID
	ShipmentRequestID types.ID
	CarrierRequestID  types.ID
}

// StaleRequestedProposals finds carrier-initiated proposals decided before
// cutoff whose proposal, shipment, and carrier rows are all three still in
// requested. Any one of them may have advanced by the time the sweep runs.
func (s *Store) StaleRequestedProposals(ctx context.Context, cutoff time.Time, limit int) ([]StaleCandidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.shipment_request_id, p.carrier_request_id
		FROM match_proposals p
		JOIN shipment_requests s ON s.id = p.shipment_request_id
		JOIN carrier_requests c ON c.id = p.carrier_request_id
		WHERE p.initiated_by = $1
		  AND p.status = $2 AND s.status = $2 AND c.status = $2
		  AND p.decided_at < $3
		ORDER BY p.decided_at
		LIMIT $4`,
		string(InitiatedByCarrier), int(status.Requested), cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StaleCandidate
	for rows.Next() {
		var c StaleCandidate
		if err := rows.Scan(&c.ProposalID, &c.ShipmentRequestID, &c.CarrierRequestID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Acknowledgement writes. Each sets one seen-flag; negative outcomes stop
// being surfaced once acknowledged.

func (s *Store) AckShipmentCompletion(ctx context.Context, id types.ID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE shipment_requests SET completion_seen = TRUE WHERE id = $1`, string(id))
	return err
}

func (s *Store) AckCarrierCancellation(ctx context.Context, id types.ID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE carrier_requests SET cancellation_seen = TRUE WHERE id = $1`, string(id))
	return err
}

type ProposalSeenFlag string

const (
	SeenNotSelected  ProposalSeenFlag = "not_selected_seen"
	SeenCancellation ProposalSeenFlag = "cancellation_seen"
	SeenRejection    ProposalSeenFlag = "rejection_seen"
)

func (s *Store) AckProposalOutcome(ctx context.Context, id types.ID, flag ProposalSeenFlag) error {
	var col string
	switch flag {
	case SeenNotSelected, SeenCancellation, SeenRejection:
		col = string(flag)
	default:
		return fmt.Errorf("%w: unknown seen flag %q", ErrBadRequest, flag)
	}
	_, err := s.db.Exec(ctx,
		`UPDATE match_proposals SET `+col+` = TRUE WHERE id = $1`, string(id))
	return err
}

// UnseenProposalOutcomes returns a carrier's proposals sitting in an
// acknowledgement-pending state with the matching flag still unseen.
func (s *Store) UnseenProposalOutcomes(ctx context.Context, carrierID types.ID) ([]MatchProposal, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+proposalCols+` FROM match_proposals
		WHERE carrier_id = $1
		  AND ((status = $2 AND NOT not_selected_seen)
		    OR (status IN ($3, $4) AND NOT cancellation_seen)
		    OR (status = $5 AND NOT rejection_seen))
		ORDER BY decided_at`,
		string(carrierID),
		int(status.NotSelectedInBid),
		int(status.CancelledByShipper), int(status.CancelledByAdmin),
		int(status.RejectedByShipper),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProposals(rows)
}

// --- scanning helpers ---

func scanShipment(row pgx.Row) (*ShipmentRequest, error) {
	var r ShipmentRequest
	var st, ver int
	var amount *int64
	var currency *string
	err := row.Scan(
		&r.ID, &r.ExternalID, &r.ShipperID,
		&r.Origin.Lat, &r.Origin.Lng, &r.Origin.Name,
		&r.Destination.Lat, &r.Destination.Lng, &r.Destination.Name,
		&r.VehicleType, &r.BatchID, &r.Item, &r.Quantity,
		&r.ShippingDate, &r.DeliveryDate, &amount, &currency,
		&st, &ver, &r.CompletionSeen, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = status.Status(st)
	r.StatusVersion = ver
	r.OfferedCost = toMoney(amount, currency)
	return &r, nil
}

func scanCarrier(row pgx.Row) (*CarrierRequest, error) {
	var r CarrierRequest
	var st, ver int
	err := row.Scan(
		&r.ID, &r.ExternalID, &r.CarrierID,
		&r.Origin.Lat, &r.Origin.Lng, &r.VehicleType,
		&st, &ver, &r.CancellationSeen, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = status.Status(st)
	r.StatusVersion = ver
	return &r, nil
}

func scanProposal(row pgx.Row) (*MatchProposal, error) {
	var p MatchProposal
	var st, ver int
	var initiated string
	var amount *int64
	var currency *string
	err := row.Scan(
		&p.ID, &p.ShipmentRequestID, &p.CarrierRequestID, &p.CarrierID, &initiated,
		&amount, &currency, &p.QuotedShipping, &p.QuotedDelivery,
		&st, &ver, &p.DecidedAt,
		&p.NotSelectedSeen, &p.CancellationSeen, &p.RejectionSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.InitiatedBy = InitiatedBy(initiated)
	p.Status = status.Status(st)
	p.StatusVersion = ver
	p.QuotedCost = toMoney(amount, currency)
	return &p, nil
}

func scanJourney(row pgx.Row) (*Journey, error) {
	var j Journey
	var st int
	var amount *int64
	var currency *string
	err := row.Scan(&j.ID, &j.ProposalID, &j.StartedAt, &j.EndedAt, &amount, &currency, &st)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = status.Status(st)
	j.Fare = toMoney(amount, currency)
	return &j, nil
}

func collectProposals(rows pgx.Rows) ([]MatchProposal, error) {
	var out []MatchProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func activeStatusCodes() []int {
	return statusCodes(status.Requested, status.AcceptedByCarrier, status.AcceptedByShipper, status.JourneyStarted)
}

func openStatusCodes() []int {
	return statusCodes(status.OpenForBids...)
}

func rejectionStatusCodes() []int {
	return statusCodes(status.RejectionOutcomes...)
}

func statusCodes(ss ...status.Status) []int {
	out := make([]int, len(ss))
	for i, s := range ss {
		out[i] = int(s)
	}
	return out
}

func moneyAmount(m *types.Money) *int64 {
	if m == nil {
		return nil
	}
	v := m.Amount
	return &v
}

func moneyCurrency(m *types.Money) *string {
	if m == nil {
		return nil
	}
	c := m.Currency
	return &c
}

func toMoney(amount *int64, currency *string) *types.Money {
	if amount == nil {
		return nil
	}
	m := types.Money{Amount: *amount}
	if currency != nil {
		m.Currency = *currency
	}
	return &m
}
