package invoice

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	"posdesk/backend/internal/money"
)

var ErrInvalidCurrency = errors.New("invalid currency code")

var (
	escposInit = []byte{0x1b, 0x40}
	escposCut  = []byte{0x1d, 0x56, 0x41, 0x10}
)

const (
	fontNormal       = 0x00
	fontSmall        = 0x01
	fontDoubleHeight = 0x10
	fontDouble       = 0x30
)

type Receipt struct {
	Lines   []string
	Preview string
	Escpos  []byte
}

var labelCaser = cases.Title(language.English)

// MethodLabel renders a payment method for print, e.g. "Mobile Wallet".
func MethodLabel(method string) string {
	return labelCaser.String(strings.ReplaceAll(method, "_", " "))
}

// RenderReceipt lays an invoice out for a thermal printer. The preview text
// and the ESC/POS stream carry the same lines.
func RenderReceipt(inv Invoice) (Receipt, error) {
	code := strings.ToUpper(strings.TrimSpace(inv.Tenant.Currency))
	if code != "" {
		unit, err := currency.ParseISO(code)
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, inv.Tenant.Currency)
		}
		code = unit.String()
	}

	settings := inv.Settings.Normalize()
	width := settings.PaperWidth.Columns()
	heavy := strings.Repeat("=", width)
	light := strings.Repeat("-", width)

	lines := make([]string, 0, 32)
	if settings.ShowBranch && inv.Branch != nil {
		if settings.BranchFields.Name && inv.Branch.Name != "" {
			lines = append(lines, center(inv.Branch.Name, width))
		}
		if settings.BranchFields.CompanyName && inv.Branch.CompanyName != "" {
			lines = append(lines, center(inv.Branch.CompanyName, width))
		}
		if settings.BranchFields.Web && inv.Branch.Web != "" {
			lines = append(lines, center(inv.Branch.Web, width))
		}
	}
	lines = append(lines, heavy)
	lines = append(lines, "Invoice: "+inv.Number)
	if !inv.Date.IsZero() {
		lines = append(lines, "Date: "+inv.Date.Format("2006-01-02 15:04"))
	}
	if inv.Tenant.DeskID != "" {
		lines = append(lines, "Desk: "+inv.Tenant.DeskID)
	}
	if inv.Tenant.Username != "" {
		lines = append(lines, "Cashier: "+inv.Tenant.Username)
	}
	if settings.ShowCustomer && inv.Customer != nil && inv.Customer.Name != "" {
		lines = append(lines, "Customer: "+inv.Customer.Name)
	}
	lines = append(lines, light)

	for _, line := range inv.Lines {
		lines = append(lines, truncate(line.Name, width))
		lines = append(lines, pair(fmt.Sprintf("  %s x %s", line.Quantity.String(), money.Format(line.Price)), money.Format(line.Amount), width))
	}
	lines = append(lines, light)

	lines = append(lines, pair("Subtotal", money.Format(inv.Subtotal), width))
	if !inv.Discount.IsZero() {
		lines = append(lines, pair("Discount", "-"+money.Format(inv.Discount), width))
	}
	if settings.ShowTax {
		lines = append(lines, pair("Tax", money.Format(inv.Tax), width))
	}
	totalLabel := "Total"
	if code != "" {
		totalLabel = "Total " + code
	}
	lines = append(lines, pair(totalLabel, money.Format(inv.Total), width))
	for _, p := range inv.Payments {
		lines = append(lines, pair("  "+MethodLabel(string(p.Method)), money.Format(p.Amount), width))
	}
	lines = append(lines, pair("Paid", money.Format(inv.Paid), width))
	lines = append(lines, pair("Change", money.Format(inv.Change), width))
	if inv.RemainingDue.GreaterThan(decimal.Zero) {
		lines = append(lines, pair("Due", money.Format(inv.RemainingDue), width))
	}
	lines = append(lines, heavy, center("Thank you", width), "")

	escpos := make([]byte, 0, 64+width*len(lines))
	escpos = append(escpos, escposInit...)
	escpos = append(escpos, 0x1b, 0x21, fontMode(settings.FontSize))
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, escposCut...)

	return Receipt{
		Lines:   lines,
		Preview: strings.Join(lines, "\n"),
		Escpos:  escpos,
	}, nil
}

// fontMode is the ESC ! print mode byte for a configured font size.
func fontMode(size int) byte {
	switch {
	case size >= 20:
		return fontDouble
	case size >= 16:
		return fontDoubleHeight
	case size <= 9:
		return fontSmall
	default:
		return fontNormal
	}
}

func pair(label, value string, width int) string {
	gap := width - utf8.RuneCountInString(label) - utf8.RuneCountInString(value)
	if gap < 1 {
		gap = 1
	}
	return label + strings.Repeat(" ", gap) + value
}

func center(text string, width int) string {
	text = truncate(text, width)
	pad := (width - utf8.RuneCountInString(text)) / 2
	if pad < 1 {
		return text
	}
	return strings.Repeat(" ", pad) + text
}

func truncate(text string, width int) string {
	if utf8.RuneCountInString(text) <= width {
		return text
	}
	return string([]rune(text)[:width])
}
