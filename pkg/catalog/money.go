package catalog

import "github.com/shopspring/decimal"

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// decimalOrNil yields the SQL value for price_amount: NULL unless paid.
func decimalOrNil(p Pricing) any {
	if p.Kind != PricingPaid {
		return nil
	}
	return p.Amount.StringFixed(2)
}

// currencyOrNil yields the SQL value for price_currency: NULL unless paid.
func currencyOrNil(p Pricing) any {
	if p.Kind != PricingPaid {
		return nil
	}
	return p.Currency
}
