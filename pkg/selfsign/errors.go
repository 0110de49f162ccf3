package selfsign

import (
	"errors"
	"fmt"

	"github.com/remiblancher/qpiv/pkg/piv"
)

// ErrInvalidRequest indicates a request field failed validation before any
// token call: a bad serial, an invalid validity window or a missing session.
var ErrInvalidRequest = errors.New("invalid issuance request")

// Stage is a step of one issuance. Stages are entered in order and never
// revisited.
type Stage int

const (
	StageValidated Stage = iota + 1
	StageKeyReady
	StageTBSBuilt
	StageSigned
	StageFinalized
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageValidated:
		return "validated"
	case StageKeyReady:
		return "key-ready"
	case StageTBSBuilt:
		return "tbs-built"
	case StageSigned:
		return "signed"
	case StageFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// IssueError reports a failed issuance together with the stage that was
// being entered. Key is set when a key was generated or accepted before the
// failure, so the caller can retry with ExistingKey{Handle: Key}.
type IssueError struct {
	Stage     Stage
	Slot      piv.SlotID
	Algorithm piv.SigningAlgorithm
	Key       *piv.KeyHandle
	Err       error
}

// Error implements the error interface.
func (e *IssueError) Error() string {
	return fmt.Sprintf("selfsign %s [slot %s, %s]: %v", e.Stage, e.Slot, e.Algorithm, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *IssueError) Unwrap() error { return e.Err }
