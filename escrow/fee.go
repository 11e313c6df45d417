package escrow

import "github.com/shopspring/decimal"

type Currency string

const (
	CurrencyMXN Currency = "MXN"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

var minorUnits = map[Currency]int32{
	CurrencyMXN: 2,
	CurrencyUSD: 2,
	CurrencyEUR: 2,
}

func (c Currency) Valid() bool {
	_, ok := minorUnits[c]
	return ok
}

// MinorUnits returns the number of decimal places of the currency.
func (c Currency) MinorUnits() int32 {
	if units, ok := minorUnits[c]; ok {
		return units
	}
	return 2
}

// ComputeFee returns price × rate rounded half-up to the currency's minor unit,
// and price + fee. It depends only on its arguments, so stored transactions can be
// re-audited from their price and rate.
func ComputeFee(price, rate decimal.Decimal, currency Currency) (fee, total decimal.Decimal) {
	places := currency.MinorUnits()
	fee = price.Mul(rate).Round(places)
	total = price.Add(fee).Round(places)
	return fee, total
}
