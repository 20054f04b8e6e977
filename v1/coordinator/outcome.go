package coordinator

import (
	"time"

	"github.com/mirkobrombin/go-baton/v1/ledger"
)

// Outcome classifies the result of one Handle call.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeFailed           Outcome = "failed"
	OutcomeRetriesExhausted Outcome = "retries_exhausted"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeDeferred         Outcome = "deferred"
	OutcomeBusy             Outcome = "busy"
	OutcomeError            Outcome = "error"
)

// Notify reports whether the outcome is meant for humans.
func (o Outcome) Notify() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeRetriesExhausted:
		return true
	}
	return false
}

// Result describes what Handle did with a key.
type Result struct {
	Key     ledger.Key
	Outcome Outcome
	// Reason explains skipped, deferred and busy outcomes.
	Reason string
	// Record is the ledger state after the call, when one exists.
	Record ledger.Record
	// Attempted is true when the processing callback ran.
	Attempted bool
	Err       error
}

// NoticeTopic is the bus topic carrying outcome notices.
const NoticeTopic = "baton.outcomes"

// Notice is published for every outcome in which a collaborator (chat,
// issue tracker) may be interested.
type Notice struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Repo       string    `json:"repo"`
	Number     int       `json:"number"`
	Outcome    Outcome   `json:"outcome"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	Details    string    `json:"details,omitempty"`
	At         time.Time `json:"at"`
}
