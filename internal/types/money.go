// README: Common money value object used across modules.
package types

// Money is an amount in minor units with its ISO 4217 currency code.
type Money struct {
	Amount   int64
	Currency string
}
