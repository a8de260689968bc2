package domain

import "github.com/shopspring/decimal"

// MoneyPlaces is the number of fraction digits every persisted amount carries.
const MoneyPlaces = 2

// RoundMoney rounds half up to two places. Only ever call it on a final value.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// IsMoney reports whether d has no more than two significant fraction digits.
func IsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyPlaces))
}

func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
