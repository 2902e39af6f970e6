package rotation

import (
	"fmt"
)

// Stage is a step of the rotation state machine. A rotation moves through
// the stages in declaration order and never goes back.
type Stage string

const (
	StageReceived                 Stage = "received"
	StageDecoded                  Stage = "decoded"
	StageSecretFetched            Stage = "secret_fetched"
	StageAppResolved              Stage = "app_resolved"
	StageCredentialRotated        Stage = "credential_rotated"
	StageVaultUpdated             Stage = "vault_updated"
	StageServiceConnectionUpdated Stage = "service_connection_updated"
	StageDone                     Stage = "done"
)

var stageOrder = map[Stage]int{
	StageReceived:                 0,
	StageDecoded:                  1,
	StageSecretFetched:            2,
	StageAppResolved:              3,
	StageCredentialRotated:        4,
	StageVaultUpdated:             5,
	StageServiceConnectionUpdated: 6,
	StageDone:                     7,
}

// Reached reports whether s is at or past other.
func (s Stage) Reached(other Stage) bool {
	return stageOrder[s] >= stageOrder[other]
}

// Outcome summarises how a rotation ended.
type Outcome string

const (
	// OutcomeRotated means all three systems hold the new credential.
	OutcomeRotated Outcome = "rotated"
	// OutcomeSkipped means no application matched and nothing was written.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the rotation stopped on an error.
	OutcomeFailed Outcome = "failed"
)

// StageError wraps the error that stopped a rotation. Stage is the last stage
// completed before the failure. CredentialRemoved is set when the previous
// application credential was deleted without a replacement being issued.
type StageError struct {
	Stage             Stage
	Err               error
	CredentialRemoved bool
}

func (e StageError) Error() string {
	return fmt.Sprintf("rotation failed after stage %s: %v", e.Stage, e.Err)
}

func (e StageError) Unwrap() error {
	return e.Err
}

// Partial reports whether the application credential had already been
// removed or replaced when the rotation failed, leaving the vault or the
// service connection behind.
func (e StageError) Partial() bool {
	if e.Stage == StageDone {
		return false
	}
	return e.CredentialRemoved || e.Stage.Reached(StageCredentialRotated)
}
