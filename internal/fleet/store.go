package fleet

import "context"

// PlacementStore records where each user's worker runs. Last write wins per user.
type PlacementStore interface {
	// GetPlacement returns nil, nil when the user has no record.
	GetPlacement(ctx context.Context, uid UserID) (*Placement, error)
	SetPlacement(ctx context.Context, p *Placement) error
	// ClearPlacement keeps the record with its placement fields emptied and status stopped.
	ClearPlacement(ctx context.Context, uid UserID) error
	ListPlacements(ctx context.Context) ([]*Placement, error)
}

type AccountStore interface {
	// Credentials returns ErrCredentialsMissing when nothing usable is on file.
	Credentials(ctx context.Context, uid UserID) (Credentials, error)
	// CapitalCeiling returns 0 when no ceiling is stored.
	CapitalCeiling(ctx context.Context, uid UserID) (float64, error)
}

type OperationLog interface {
	LogOperation(ctx context.Context, uid UserID, op, details string) error
}

// Store is everything the Manager persists.
type Store interface {
	PlacementStore
	AccountStore
	OperationLog
}
