package domain

import "math"

// Pure money/discount calculator. All inputs are clamped to non-negative
// domains rather than rejected: the checkout is editable while the operator
// types, so partial rows must never blow up a total.

// Subtotal sums amount × qty over all items, clamping qty to ≥1 and amount
// to ≥0 per row.
func Subtotal(items []CheckoutItem) float64 {
	var sum float64
	for _, it := range items {
		qty := it.Qty
		if qty < 1 {
			qty = 1
		}
		amount := it.Amount
		if amount < 0 {
			amount = 0
		}
		sum += amount * float64(qty)
	}
	return sum
}

// DiscountAmount returns the effective discount, never exceeding subtotal.
// A nil discount or non-positive value yields 0.
func DiscountAmount(subtotal float64, d *Discount) float64 {
	if d == nil || d.Value <= 0 {
		return 0
	}
	var amount float64
	switch d.Type {
	case DiscountPct:
		amount = subtotal * d.Value / 100
	case DiscountValue:
		amount = d.Value
	default:
		return 0
	}
	return math.Min(subtotal, amount)
}

// Total is subtotal minus discount, floored at zero.
func Total(subtotal, discountAmount float64) float64 {
	return math.Max(subtotal-discountAmount, 0)
}

// PaidTotal sums the amounts of payments that reached the paid state.
func PaidTotal(payments []Payment) float64 {
	var sum float64
	for _, p := range payments {
		if p.Status == PaymentPaid {
			sum += p.Amount
		}
	}
	return sum
}

// Remaining is the amount still due, floored at zero.
func Remaining(total, paidTotal float64) float64 {
	return math.Max(total-paidTotal, 0)
}

// CheckoutTotals is the derived money view of a checkout. It is recomputed
// on every read, never cached across item/discount mutation.
type CheckoutTotals struct {
	Subtotal       float64 `json:"subtotal"`
	DiscountAmount float64 `json:"discount_amount"`
	Total          float64 `json:"total"`
	PaidTotal      float64 `json:"paid_total"`
	Remaining      float64 `json:"remaining"`
}

// ComputeTotals derives the full money view from items, discount and payments.
func ComputeTotals(items []CheckoutItem, d *Discount, payments []Payment) CheckoutTotals {
	subtotal := Subtotal(items)
	discount := DiscountAmount(subtotal, d)
	total := Total(subtotal, discount)
	paid := PaidTotal(payments)
	return CheckoutTotals{
		Subtotal:       subtotal,
		DiscountAmount: discount,
		Total:          total,
		PaidTotal:      paid,
		Remaining:      Remaining(total, paid),
	}
}
