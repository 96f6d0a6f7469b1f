// Package store persists placements, bound accounts and the per-user operation log.
package store

import (
	"errors"
	"time"

	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/secrets"
)

var ErrAccountNotFound = errors.New("account not found")

// Account is what a user has bound: exchange credentials and a capital ceiling.
type Account struct {
	UserID      fleet.UserID      `json:"user_id"`
	Credentials fleet.Credentials `json:"credentials"`
	MaxCapital  float64           `json:"max_capital"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type Operation struct {
	Seq     uint64       `json:"seq"`
	UserID  fleet.UserID `json:"user_id"`
	Op      string       `json:"op"`
	Details string       `json:"details,omitempty"`
	At      time.Time    `json:"at"`
}

func usable(c fleet.Credentials) bool {
	return c.Complete() && !secrets.IsPlaceholder(c.APIKey) && !secrets.IsPlaceholder(c.Secret)
}

func cleared(uid fleet.UserID) *fleet.Placement {
	return &fleet.Placement{
		UserID:    uid,
		Status:    fleet.PlacementStopped,
		UpdatedAt: time.Now().UTC(),
	}
}
