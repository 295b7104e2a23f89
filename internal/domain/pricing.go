package domain

// Pricing holds the shipping policy applied when an order is created. The
// computed amounts are persisted on the order and never revisited.
type Pricing struct {
	// FreeShippingThreshold is the subtotal at or above which shipping is free.
	FreeShippingThreshold int64
	// FlatShippingFee is charged when the subtotal is below the threshold.
	FlatShippingFee int64
	// Currency is the ISO 4217 code all amounts are denominated in.
	Currency string
}

// DefaultPricing matches the storefront defaults: amounts in Colombian pesos.
func DefaultPricing() Pricing {
	return Pricing{
		FreeShippingThreshold: 150_000,
		FlatShippingFee:       12_000,
		Currency:              "COP",
	}
}

// Subtotal sums price-at-purchase times quantity across the items.
func Subtotal(items []OrderItem) int64 {
	var total int64
	for _, item := range items {
		total += item.LineTotal()
	}
	return total
}

// ShippingCost returns the shipping fee for the given subtotal.
func (p Pricing) ShippingCost(subtotal int64) int64 {
	if subtotal >= p.FreeShippingThreshold {
		return 0
	}
	return p.FlatShippingFee
}

// AmountInCents converts a major-unit total into the smallest currency unit
// expected by payment providers.
func AmountInCents(total int64) int64 {
	return total * 100
}
