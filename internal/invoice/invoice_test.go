package invoice

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posdesk/backend/internal/domain"
	"posdesk/backend/internal/money"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func totals(subtotal, discount, tax, total string) domain.SaleTotals {
	return domain.SaleTotals{
		Subtotal: money.LooseText(subtotal),
		Discount: money.LooseText(discount),
		Tax:      money.LooseText(tax),
		Total:    money.LooseText(total),
	}
}

func sampleSale() domain.Sale {
	return domain.Sale{
		ID:     "sale-1",
		Number: "INV-0001",
		Date:   time.Date(2024, 2, 1, 9, 15, 0, 0, time.UTC),
		Branch: &domain.BranchInfo{Name: "Downtown", CompanyName: "Posdesk Ltd", Web: "posdesk.example"},
		Customer: &domain.CustomerRef{
			ID:   "cust-1",
			Name: "Dana",
		},
		Items: []domain.SaleItem{{
			ID:       "line-1",
			Quantity: money.LooseText("2"),
			Price:    money.LooseText("12.50"),
			Product:  domain.ProductRef{ID: "p-1", Name: "Desk Lamp"},
		}},
	}
}

func TestComposeItemizedPayments(t *testing.T) {
	sale := sampleSale()
	sale.Payments = []domain.SalePayment{
		{Method: domain.PaymentCard, Amount: money.LooseText("10")},
		{Method: domain.PaymentCash, Amount: money.LooseText("20"), Change: money.LooseText("5")},
	}
	sale.Paid = money.LooseText("999")

	inv := Compose(sale, totals("25", "0", "0", "25"), DefaultPrintSettings(), domain.TenantContext{})

	assertDecimal(t, "30", inv.Paid)
	assertDecimal(t, "5", inv.Change)
	assertDecimal(t, "0", inv.RemainingDue)
	require.Len(t, inv.Payments, 2)
	require.Len(t, inv.Lines, 1)
	assertDecimal(t, "25", inv.Lines[0].Amount)
}

func TestComposeLegacyPaidField(t *testing.T) {
	sale := sampleSale()
	sale.Paid = money.LooseText("30")

	inv := Compose(sale, totals("25", "0", "0", "25"), DefaultPrintSettings(), domain.TenantContext{})

	assertDecimal(t, "30", inv.Paid)
	assertDecimal(t, "5", inv.Change)
	assertDecimal(t, "0", inv.RemainingDue)
}

func TestComposePaymentStatusPaid(t *testing.T) {
	sale := sampleSale()
	sale.PaymentStatus = "Paid"

	inv := Compose(sale, totals("25", "0", "0", "25"), DefaultPrintSettings(), domain.TenantContext{})

	assertDecimal(t, "25", inv.Paid)
	assertDecimal(t, "0", inv.Change)
	assertDecimal(t, "0", inv.RemainingDue)
}

func TestComposeGarbageLegacyPaidFallsBackToStatus(t *testing.T) {
	sale := sampleSale()
	sale.Paid = money.LooseText("n/a")
	sale.PaymentStatus = "Paid"

	inv := Compose(sale, totals("25", "0", "0", "25"), DefaultPrintSettings(), domain.TenantContext{})

	assertDecimal(t, "25", inv.Paid)
	assertDecimal(t, "0", inv.RemainingDue)
}

func TestComposeUnpaid(t *testing.T) {
	sale := sampleSale()
	sale.PaymentStatus = "Pending"

	inv := Compose(sale, totals("25", "0", "0", "25"), DefaultPrintSettings(), domain.TenantContext{})

	assertDecimal(t, "0", inv.Paid)
	assertDecimal(t, "0", inv.Change)
	assertDecimal(t, "25", inv.RemainingDue)
}

func TestComposeCoercesBadNumbers(t *testing.T) {
	sale := sampleSale()
	sale.Payments = []domain.SalePayment{
		{Method: domain.PaymentCash, Amount: money.LooseText("abc"), Change: money.LooseText("")},
	}

	inv := Compose(sale, totals("NaN", "", "x", "oops"), DefaultPrintSettings(), domain.TenantContext{})

	for _, d := range []decimal.Decimal{inv.Subtotal, inv.Discount, inv.Tax, inv.Total, inv.Paid, inv.Change, inv.RemainingDue} {
		assertDecimal(t, "0", d)
	}
}

func TestComposeIsIdempotent(t *testing.T) {
	sale := sampleSale()
	sale.Payments = []domain.SalePayment{
		{Method: domain.PaymentCash, Amount: money.LooseText("40"), Change: money.LooseText("15")},
	}
	est := totals("25", "0", "0", "25")
	tenant := domain.TenantContext{BranchID: "b-1", DeskID: "d-1", Currency: "USD"}

	first := Compose(sale, est, DefaultPrintSettings(), tenant)
	second := Compose(sale, est, DefaultPrintSettings(), tenant)

	assert.Equal(t, first, second)
	assert.Len(t, sale.Payments, 1)
}

func TestEstimateTotals(t *testing.T) {
	sale := sampleSale()
	sale.Discount = money.LooseText("5")
	sale.Tax = money.LooseText("2")

	est := EstimateTotals(sale)
	assertDecimal(t, "25", est.Subtotal.Value())
	assertDecimal(t, "22", est.Total.Value())

	sale.Subtotal = money.LooseText("30")
	sale.Total = money.LooseText("31")
	est = EstimateTotals(sale)
	assertDecimal(t, "30", est.Subtotal.Value())
	assertDecimal(t, "31", est.Total.Value())
}

func TestNormalizeSettings(t *testing.T) {
	s := PrintSettings{PaperWidth: "legal", FontSize: 40}.Normalize()
	assert.Equal(t, Paper80mm, s.PaperWidth)
	assert.Equal(t, 24, s.FontSize)

	s = PrintSettings{PaperWidth: Paper58mm, FontSize: 2}.Normalize()
	assert.Equal(t, Paper58mm, s.PaperWidth)
	assert.Equal(t, 8, s.FontSize)

	assert.Equal(t, 12, PrintSettings{}.Normalize().FontSize)
}

func TestRenderReceipt(t *testing.T) {
	sale := sampleSale()
	sale.Payments = []domain.SalePayment{
		{Method: domain.PaymentMobileWallet, Amount: money.LooseText("25")},
	}
	settings := DefaultPrintSettings()
	settings.PaperWidth = Paper58mm
	tenant := domain.TenantContext{DeskID: "desk-2", Currency: "usd", Username: "cashier"}

	receipt, err := RenderReceipt(Compose(sale, totals("25", "0", "1.5", "26.5"), settings, tenant))
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(receipt.Escpos, []byte{0x1b, 0x40, 0x1b, 0x21, 0x00}))
	assert.True(t, bytes.HasSuffix(receipt.Escpos, []byte{0x1d, 0x56, 0x41, 0x10}))
	assert.Contains(t, receipt.Preview, "Downtown")
	assert.Contains(t, receipt.Preview, "Posdesk Ltd")
	assert.NotContains(t, receipt.Preview, "posdesk.example")
	assert.Contains(t, receipt.Preview, "Customer: Dana")
	assert.Contains(t, receipt.Preview, "Mobile Wallet")
	assert.Contains(t, receipt.Preview, "Total USD")
	assert.Contains(t, receipt.Preview, "Due")
	for _, line := range receipt.Lines {
		assert.LessOrEqual(t, len([]rune(line)), 32, line)
	}
}

func TestRenderReceiptHonoursToggles(t *testing.T) {
	settings := PrintSettings{PaperWidth: PaperA4, FontSize: 20}
	receipt, err := RenderReceipt(Compose(sampleSale(), totals("25", "0", "3", "28"), settings, domain.TenantContext{}))
	require.NoError(t, err)

	assert.NotContains(t, receipt.Preview, "Downtown")
	assert.NotContains(t, receipt.Preview, "Customer:")
	assert.False(t, strings.Contains(receipt.Preview, "\nTax "))
	assert.Equal(t, byte(0x30), receipt.Escpos[4])
}

func TestRenderReceiptRejectsUnknownCurrency(t *testing.T) {
	_, err := RenderReceipt(Compose(sampleSale(), totals("1", "0", "0", "1"), DefaultPrintSettings(), domain.TenantContext{Currency: "ZZZ1"}))
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestMethodLabel(t *testing.T) {
	assert.Equal(t, "Mobile Wallet", MethodLabel("mobile_wallet"))
	assert.Equal(t, "Cash", MethodLabel("cash"))
}
