package payment

import (
	"strings"

	"github.com/google/uuid"
)

// NewPaymentID generates a unique payment identifier.
//
// The format is "pay_" + UUID v4 without hyphens (32 hex chars), e.g.
// "pay_7d5d747be160e280504c099d984bcfe0". 122 bits of randomness make
// collisions negligible rather than merely unlikely.
func NewPaymentID() string {
	return "pay_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
