// Package domain defines core data structures used throughout the payment service.
package domain

import "fmt"

// Pair currency conversion pair, base fiat currency to settlement asset.
type Pair struct {
	// Base fiat currency code.
	Base string
	// Quote settlement asset symbol.
	Quote string
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.Base, p.Quote)
}
