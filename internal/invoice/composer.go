// Package invoice turns a persisted sale into printable totals and receipts.
package invoice

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posdesk/backend/internal/domain"
	"posdesk/backend/internal/money"
)

type Line struct {
	SaleItemID string          `json:"sale_item_id"`
	Name       string          `json:"name"`
	SKU        string          `json:"sku,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
}

type PaymentLine struct {
	Method    domain.PaymentMethod `json:"method"`
	Amount    decimal.Decimal      `json:"amount"`
	Change    decimal.Decimal      `json:"change"`
	Reference string               `json:"reference,omitempty"`
}

type Invoice struct {
	SaleID       string               `json:"sale_id"`
	Number       string               `json:"number"`
	Date         time.Time            `json:"date"`
	Branch       *domain.BranchInfo   `json:"branch,omitempty"`
	Customer     *domain.CustomerRef  `json:"customer,omitempty"`
	Lines        []Line               `json:"lines"`
	Payments     []PaymentLine        `json:"payments"`
	Subtotal     decimal.Decimal      `json:"subtotal"`
	Discount     decimal.Decimal      `json:"discount"`
	Tax          decimal.Decimal      `json:"tax"`
	Total        decimal.Decimal      `json:"total"`
	Paid         decimal.Decimal      `json:"paid"`
	Change       decimal.Decimal      `json:"change"`
	RemainingDue decimal.Decimal      `json:"remaining_due"`
	Tenant       domain.TenantContext `json:"tenant"`
	Settings     PrintSettings        `json:"settings"`
}

// Compose builds the render-ready invoice. Every amount is coerced so that
// missing or malformed fields print as zero. Itemized payments win over the
// legacy paid and payment status fields.
func Compose(sale domain.Sale, totals domain.SaleTotals, settings PrintSettings, tenant domain.TenantContext) Invoice {
	inv := Invoice{
		SaleID:   sale.ID,
		Number:   sale.Number,
		Date:     sale.Date,
		Branch:   sale.Branch,
		Customer: sale.Customer,
		Subtotal: totals.Subtotal.Value(),
		Discount: totals.Discount.Value(),
		Tax:      totals.Tax.Value(),
		Total:    totals.Total.Value(),
		Tenant:   tenant,
		Settings: settings.Normalize(),
		Lines:    make([]Line, 0, len(sale.Items)),
		Payments: make([]PaymentLine, 0, len(sale.Payments)),
	}

	for _, item := range sale.Items {
		qty := item.Quantity.Value()
		price := item.Price.Value()
		inv.Lines = append(inv.Lines, Line{
			SaleItemID: item.ID,
			Name:       item.Product.Name,
			SKU:        item.Product.SKU,
			Quantity:   qty,
			Price:      price,
			Amount:     qty.Mul(price),
		})
	}

	if len(sale.Payments) > 0 {
		paid := decimal.Zero
		change := decimal.Zero
		for _, p := range sale.Payments {
			amount := p.Amount.Value()
			given := p.Change.Value()
			paid = paid.Add(amount)
			change = change.Add(given)
			inv.Payments = append(inv.Payments, PaymentLine{
				Method:    p.Method,
				Amount:    amount,
				Change:    given,
				Reference: p.TransactionReference,
			})
		}
		inv.Paid = paid
		inv.Change = change
	} else {
		inv.Paid = legacyPaid(sale, inv.Total)
		inv.Change = money.MaxZero(inv.Paid.Sub(inv.Total))
	}
	inv.RemainingDue = money.MaxZero(inv.Total.Sub(inv.Paid))
	return inv
}

func legacyPaid(sale domain.Sale, total decimal.Decimal) decimal.Decimal {
	if sale.Paid.Valid() {
		return sale.Paid.Value()
	}
	if strings.EqualFold(strings.TrimSpace(sale.PaymentStatus), domain.PaymentStatusPaid) {
		return total
	}
	return decimal.Zero
}

// EstimateTotals is the totals estimate used when the caller has none: the
// sale's own fields, with the subtotal summed from the lines and the total
// derived from subtotal, discount and tax when those fields are missing.
func EstimateTotals(sale domain.Sale) domain.SaleTotals {
	subtotal := sale.Subtotal.Value()
	if !sale.Subtotal.Valid() {
		subtotal = decimal.Zero
		for _, item := range sale.Items {
			subtotal = subtotal.Add(item.Quantity.Value().Mul(item.Price.Value()))
		}
	}
	discount := sale.Discount.Value()
	tax := sale.Tax.Value()

	total := sale.Total.Value()
	if !sale.Total.Valid() {
		total = subtotal.Sub(discount).Add(tax)
	}
	return domain.SaleTotals{
		Subtotal: money.LooseFrom(subtotal),
		Discount: money.LooseFrom(discount),
		Tax:      money.LooseFrom(tax),
		Total:    money.LooseFrom(total),
	}
}
