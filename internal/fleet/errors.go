package fleet

import (
	"errors"
	"fmt"

	"github.com/galadd/botfleet/internal/secrets"
)

var (
	ErrCapacityExhausted       = errors.New("no node with spare capacity")
	ErrCredentialsMissing      = errors.New("exchange credentials missing")
	ErrOrchestratorUnavailable = errors.New("orchestrator unavailable")
	ErrServiceNotFound         = errors.New("service not found")
	ErrPlacementNotRecorded    = errors.New("service created but placement not recorded")
	ErrUserDirMissing          = errors.New("user directory not prepared")
	ErrVerificationFailed      = secrets.ErrVerificationFailed
)

// OpError names the user and the lifecycle operation an error belongs to.
type OpError struct {
	Op     string
	UserID UserID
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s user %s: %v", e.Op, e.UserID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op string, uid UserID, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.Op == op && oe.UserID == uid {
		return err
	}
	return &OpError{Op: op, UserID: uid, Err: err}
}

// unavailable marks an orchestrator failure as retryable unless it already carries a class.
func unavailable(what string, err error) error {
	if errors.Is(err, ErrServiceNotFound) || errors.Is(err, ErrOrchestratorUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrOrchestratorUnavailable, what, err)
}

// UserMessage turns an error into text that can be relayed to an end user as is.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExhausted):
		return "service temporarily unavailable: no capacity left in the cluster, try again later"
	case errors.Is(err, ErrCredentialsMissing):
		return "exchange API credentials are not configured, bind them first"
	case errors.Is(err, ErrUserDirMissing):
		return "user configuration is not prepared"
	case errors.Is(err, ErrPlacementNotRecorded):
		return "service started, placement record pending reconciliation"
	case errors.Is(err, ErrOrchestratorUnavailable):
		return "cluster control plane unavailable, try again later"
	case errors.Is(err, ErrServiceNotFound):
		return "service is not running"
	}
	return err.Error()
}

// Retryable reports whether the same call may succeed later without user action.
func Retryable(err error) bool {
	return errors.Is(err, ErrCapacityExhausted) || errors.Is(err, ErrOrchestratorUnavailable)
}
