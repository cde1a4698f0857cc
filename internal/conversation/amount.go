// ABOUTME: Validation and formatting of simulated transfer amounts
// ABOUTME: Amounts are positive decimals with at most two fractional digits

package conversation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxAmount is the largest amount the NUMERIC(10,2) column can hold.
var MaxAmount = decimal.RequireFromString("99999999.99")

// ParseAmount parses a decimal string such as "19.99" and validates it.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q is not a decimal number", ErrInvalidInput, s)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateAmount checks that d is positive, has at most two decimal places and
// fits the storage column.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !d.Equal(d.Round(2)) {
		return fmt.Errorf("%w: amount has more than two decimal places", ErrInvalidInput)
	}
	if d.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: amount exceeds %s", ErrInvalidInput, MaxAmount.StringFixed(2))
	}
	return nil
}

// TransferNotice is the content of the system message appended on transfer.
func TransferNotice(amount decimal.Decimal) string {
	return fmt.Sprintf("💸 **FUNDS TRANSFERRED ($%s)** - The buyer has confirmed receipt and transferred the simulated funds for this order.", amount.StringFixed(2))
}
