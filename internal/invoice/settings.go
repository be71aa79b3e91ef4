package invoice

type PaperWidth string

const (
	Paper58mm PaperWidth = "58mm"
	Paper80mm PaperWidth = "80mm"
	PaperA4   PaperWidth = "A4"
)

const (
	minFontSize     = 8
	maxFontSize     = 24
	defaultFontSize = 12
)

// Columns is the number of monospace characters that fit one printed line.
func (p PaperWidth) Columns() int {
	switch p {
	case Paper58mm:
		return 32
	case PaperA4:
		return 80
	default:
		return 48
	}
}

type BranchFields struct {
	Name        bool `json:"name"`
	CompanyName bool `json:"company_name"`
	Web         bool `json:"web"`
}

// PrintSettings only changes how a receipt looks, never what it adds up to.
type PrintSettings struct {
	PaperWidth   PaperWidth   `json:"paper_width" validate:"omitempty,oneof=58mm 80mm A4"`
	FontSize     int          `json:"font_size" validate:"omitempty,min=8,max=24"`
	ShowTax      bool         `json:"show_tax"`
	ShowBranch   bool         `json:"show_branch"`
	ShowCustomer bool         `json:"show_customer"`
	BranchFields BranchFields `json:"branch_fields"`
}

func DefaultPrintSettings() PrintSettings {
	return PrintSettings{
		PaperWidth:   Paper80mm,
		FontSize:     defaultFontSize,
		ShowTax:      true,
		ShowBranch:   true,
		ShowCustomer: true,
		BranchFields: BranchFields{Name: true, CompanyName: true},
	}
}

// Normalize replaces an unknown paper width with 80mm and clamps the font size.
func (s PrintSettings) Normalize() PrintSettings {
	switch s.PaperWidth {
	case Paper58mm, Paper80mm, PaperA4:
	default:
		s.PaperWidth = Paper80mm
	}
	switch {
	case s.FontSize == 0:
		s.FontSize = defaultFontSize
	case s.FontSize < minFontSize:
		s.FontSize = minFontSize
	case s.FontSize > maxFontSize:
		s.FontSize = maxFontSize
	}
	return s
}
