package audit

import "time"

const (
	ActionSuspendAccount     = "SUSPEND_ACCOUNT"
	ActionActivateAccount    = "ACTIVATE_ACCOUNT"
	ActionCloseAccount       = "CLOSE_ACCOUNT"
	ActionRiskOverride       = "RISK_OVERRIDE"
	ActionReverseTransaction = "REVERSE_TRANSACTION"
)

// Event is one administrative or ledger-affecting action. Events are only
// ever appended and read back for compliance review; balances are never
// reconstructed from them.
type Event struct {
	ID        string    `db:"id" json:"id"`
	ActorID   string    `db:"actor_id" json:"actor_id"`
	Action    string    `db:"action" json:"action"`
	TargetID  string    `db:"target_id" json:"target_id"`
	Detail    string    `db:"detail" json:"detail"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
