package payment

import (
	"fmt"
	"math/big"
)

// InsufficientBalanceError reports a verified stablecoin balance below the
// amount the payment requirement asks for. Amounts are in the smallest token
// unit.
type InsufficientBalanceError struct {
	Have *big.Int
	Need *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Have, e.Need)
}

// RequirementExpiredError reports a payment requirement whose validity window
// closed before signing. Both fields are unix seconds.
type RequirementExpiredError struct {
	ValidBefore int64
	Now         int64
}

func (e *RequirementExpiredError) Error() string {
	return fmt.Sprintf("payment requirement expired: valid until %d, now %d", e.ValidBefore, e.Now)
}
