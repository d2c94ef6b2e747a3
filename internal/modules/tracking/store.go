// README: Route point store backed by Postgres.
package tracking

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"cargolink/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, p RoutePoint) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO route_points (match_proposal_id, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		string(p.ProposalID), p.Position.Lat, p.Position.Lng, p.RecordedAt,
	)
	return err
}

// Trail returns the proposal's breadcrumbs in recording order. limit <= 0
// returns the whole trail.
func (s *Store) Trail(ctx context.Context, proposalID types.ID, limit int) ([]RoutePoint, error) {
	q := `
		SELECT id, match_proposal_id, lat, lng, recorded_at
		FROM route_points
		WHERE match_proposal_id = $1
		ORDER BY recorded_at, id`
	args := []any{string(proposalID)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoutePoint
	for rows.Next() {
		var p RoutePoint
		if err := rows.Scan(&p.ID, &p.ProposalID, &p.Position.Lat, &p.Position.Lng, &p.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Latest returns the most recent n breadcrumbs, newest first.
func (s *Store) Latest(ctx context.Context, proposalID types.ID, n int) ([]RoutePoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, match_proposal_id, lat, lng, recorded_at
		FROM route_points
		WHERE match_proposal_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`,
		string(proposalID), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoutePoint
	for rows.Next() {
		var p RoutePoint
		if err := rows.Scan(&p.ID, &p.ProposalID, &p.Position.Lat, &p.Position.Lng, &p.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
