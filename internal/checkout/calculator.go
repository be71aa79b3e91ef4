// Package checkout splits a sale total across several tenders and builds the
// payment payload that gets attached to the sale.
package checkout

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posdesk/backend/internal/domain"
	"posdesk/backend/internal/money"
)

type Summary struct {
	TotalPaid     decimal.Decimal `json:"total_paid"`
	Change        decimal.Decimal `json:"change"`
	Remaining     decimal.Decimal `json:"remaining"`
	HasCashTender bool            `json:"has_cash_tender"`
}

// Summarize is the live view while tenders are being edited. Blank or
// non-numeric amounts count as zero.
func Summarize(rows []domain.TenderRow, total decimal.Decimal) Summary {
	totalPaid := decimal.Zero
	hasCash := false
	for _, row := range rows {
		totalPaid = totalPaid.Add(row.Amount.Value())
		if row.Method == domain.PaymentCash {
			hasCash = true
		}
	}
	return Summary{
		TotalPaid:     totalPaid,
		Change:        money.MaxZero(totalPaid.Sub(total)),
		Remaining:     money.MaxZero(total.Sub(totalPaid)),
		HasCashTender: hasCash,
	}
}

// Commit validates the tenders against total and returns the payment payload.
// Checks run in order: sufficiency, cash-only overpayment, positive amounts.
// Any overpayment is returned as change on the last cash row.
func Commit(rows []domain.TenderRow, total decimal.Decimal, now time.Time) ([]domain.PaymentEntry, error) {
	if total.IsNegative() {
		return nil, &ValidationError{Err: ErrInvalidTotal, Details: fmt.Sprintf("total %s", total), Row: -1}
	}

	summary := Summarize(rows, total)
	if summary.TotalPaid.LessThan(total) {
		return nil, &ValidationError{
			Err:     ErrInsufficientPayment,
			Details: fmt.Sprintf("paid %s of %s", money.Format(summary.TotalPaid), money.Format(total)),
			Row:     -1,
		}
	}
	if summary.TotalPaid.GreaterThan(total) && !summary.HasCashTender {
		return nil, &ValidationError{
			Err:     ErrOverpaymentRequiresCash,
			Details: fmt.Sprintf("paid %s of %s", money.Format(summary.TotalPaid), money.Format(total)),
			Row:     -1,
		}
	}
	for i, row := range rows {
		if !row.Amount.Value().IsPositive() {
			return nil, &ValidationError{
				Err:     ErrInvalidAmount,
				Details: fmt.Sprintf("row %d amount %q", i, row.Amount.Raw()),
				Row:     i,
			}
		}
	}

	changeRow := lastCashRow(rows)
	entries := make([]domain.PaymentEntry, 0, len(rows))
	for i, row := range rows {
		amount := row.Amount.Value()
		entry := domain.PaymentEntry{
			Method:               row.Method,
			Amount:               amount,
			TransactionReference: strings.TrimSpace(row.TransactionReference),
			PaymentDate:          now,
			Due:                  total,
		}
		if row.Method == domain.PaymentCash {
			received := amount
			change := decimal.Zero
			if i == changeRow {
				change = summary.Change
			}
			entry.CashReceived = &received
			entry.Change = &change
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ExactAmount is the amount row index needs so that the tenders cover total
// exactly, rounded up to the cent and never negative.
func ExactAmount(rows []domain.TenderRow, index int, total decimal.Decimal) (decimal.Decimal, error) {
	if index < 0 || index >= len(rows) {
		return decimal.Zero, fmt.Errorf("%w: %d of %d", ErrUnknownRow, index, len(rows))
	}
	totalPaid := Summarize(rows, total).TotalPaid
	others := totalPaid.Sub(rows[index].Amount.Value())
	return money.MaxZero(money.CeilCents(total.Sub(others))), nil
}

// TotalPaid sums a committed payload.
func TotalPaid(entries []domain.PaymentEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, entry := range entries {
		sum = sum.Add(entry.Amount)
	}
	return sum
}

func lastCashRow(rows []domain.TenderRow) int {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Method == domain.PaymentCash {
			return i
		}
	}
	return -1
}
