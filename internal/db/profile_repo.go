package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"coachletter/internal/types"
)

// ProfileRepo reads recipient profiles. The profile tables belong to the
// onboarding/upload pipeline; this subsystem is strictly read-only against
// them and only needs the fields that drive content personalization.
type ProfileRepo struct {
	db DBTX
}

// NewProfileRepo creates a ProfileRepo backed by the given database
// connection (pool or transaction).
func NewProfileRepo(db DBTX) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// Compile-time assertion that ProfileRepo satisfies the collaborator boundary.
var _ types.ProfileStore = (*ProfileRepo)(nil)

// GetProfile returns the recipient's display name, address, ranked strengths
// and collaborators, or ErrCodeNotFoundProfile.
//
// SQL: SELECT id, display_name, email, ranked_strengths FROM recipients WHERE id = $1
//      SELECT name, top_strength FROM recipient_collaborators
//      WHERE recipient_id = $1 ORDER BY position
func (r *ProfileRepo) GetProfile(ctx context.Context, recipientID string) (*types.RecipientProfile, error) {
	var p types.RecipientProfile
	err := r.db.QueryRow(ctx,
		`SELECT id, display_name, email, ranked_strengths
		 FROM recipients WHERE id = $1`,
		recipientID,
	).Scan(&p.RecipientID, &p.DisplayName, &p.Email, &p.RankedStrengths)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "recipient profile not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query recipient profile", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT name, top_strength
		 FROM recipient_collaborators
		 WHERE recipient_id = $1
		 ORDER BY position`,
		recipientID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query collaborators", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c types.Collaborator
		if err := rows.Scan(&c.Name, &c.TopStrength); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan collaborator", err)
		}
		p.Collaborators = append(p.Collaborators, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate collaborators", err)
	}

	return &p, nil
}
