package metrics

import "time"

// Recorder receives payment flow events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Counter names emitted by the payment flow
const (
	CounterRunRequested        = "run_requested"
	CounterPaymentRequired     = "payment_required"
	CounterBalanceInsufficient = "balance_insufficient"
	CounterChainSwitched       = "chain_switched"
	CounterAuthorizationSigned = "authorization_signed"
	CounterUserRejected        = "user_rejected"
	CounterNonceUsed           = "nonce_used"
	CounterRunCompleted        = "run_completed"
	CounterRunFailed           = "run_failed"
	CounterSettlementSubmitted = "settlement_submitted"
)

// Operation names observed for latency
const (
	OpBalanceCheck = "balance_check"
	OpChainSwitch  = "chain_switch"
	OpSign         = "sign"
	OpExecute      = "execute"
	OpSettle       = "settle"
	OpRun          = "run"
)
