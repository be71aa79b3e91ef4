package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posdesk/backend/internal/money"
)

type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "cash"
	PaymentCard         PaymentMethod = "card"
	PaymentBank         PaymentMethod = "bank"
	PaymentMobileWallet PaymentMethod = "mobile_wallet"
)

// ParsePaymentMethod accepts our own codes as well as the labels the data API
// stores (Cash, Card, Bank, Mobile Wallet, MobileWallet).
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(key)
	switch key {
	case "cash":
		return PaymentCash, true
	case "card":
		return PaymentCard, true
	case "bank":
		return PaymentBank, true
	case "mobilewallet":
		return PaymentMobileWallet, true
	default:
		return PaymentMethod(strings.TrimSpace(raw)), false
	}
}

func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentBank, PaymentMobileWallet:
		return true
	default:
		return false
	}
}

// Label is the enum value used by the data API.
func (m PaymentMethod) Label() string {
	switch m {
	case PaymentCash:
		return "Cash"
	case PaymentCard:
		return "Card"
	case PaymentBank:
		return "Bank"
	case PaymentMobileWallet:
		return "Mobile Wallet"
	default:
		return string(m)
	}
}

func (m *PaymentMethod) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m, _ = ParsePaymentMethod(raw)
	return nil
}

// TenderRow is one payment row as the operator is editing it. Amount stays raw
// until commit.
type TenderRow struct {
	Method               PaymentMethod `json:"method" validate:"required,payment_method"`
	Amount               money.Loose   `json:"amount"`
	TransactionReference string        `json:"transaction_reference,omitempty" validate:"max=120"`
}

// PaymentEntry is one row of a committed payment payload.
type PaymentEntry struct {
	Method               PaymentMethod    `json:"method"`
	Amount               decimal.Decimal  `json:"amount"`
	TransactionReference string           `json:"transaction_reference,omitempty"`
	PaymentDate          time.Time        `json:"payment_date"`
	Due                  decimal.Decimal  `json:"due"`
	CashReceived         *decimal.Decimal `json:"cash_received,omitempty"`
	Change               *decimal.Decimal `json:"change,omitempty"`
}

type SaleTotals struct {
	Subtotal money.Loose `json:"subtotal"`
	Discount money.Loose `json:"discount"`
	Tax      money.Loose `json:"tax"`
	Total    money.Loose `json:"total"`
}

type BranchInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CompanyName string `json:"company_name"`
	Web         string `json:"web"`
	Address     string `json:"address"`
	Phone       string `json:"phone"`
}

type CustomerRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type ProductRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	SKU  string `json:"sku,omitempty"`
}

type SalePayment struct {
	ID                   string        `json:"id"`
	Method               PaymentMethod `json:"method"`
	Amount               money.Loose   `json:"amount"`
	Change               money.Loose   `json:"change"`
	CashReceived         money.Loose   `json:"cash_received"`
	TransactionReference string        `json:"transaction_reference,omitempty"`
	PaymentDate          *time.Time    `json:"payment_date,omitempty"`
}

type SaleItem struct {
	ID           string      `json:"id"`
	Quantity     money.Loose `json:"quantity"`
	Price        money.Loose `json:"price"`
	Product      ProductRef  `json:"product"`
	StockItemIDs []string    `json:"stock_item_ids"`
}

// Sale is the read side of a persisted sale. Paid and PaymentStatus are the
// legacy scalars used before payments were itemized.
type Sale struct {
	ID            string        `json:"id"`
	Number        string        `json:"number"`
	Date          time.Time     `json:"date"`
	BranchID      string        `json:"branch_id"`
	DeskID        string        `json:"desk_id"`
	Customer      *CustomerRef  `json:"customer,omitempty"`
	Branch        *BranchInfo   `json:"branch,omitempty"`
	Payments      []SalePayment `json:"payments"`
	Paid          money.Loose   `json:"paid"`
	PaymentStatus string        `json:"payment_status"`
	Subtotal      money.Loose   `json:"subtotal"`
	Discount      money.Loose   `json:"discount"`
	Tax           money.Loose   `json:"tax"`
	Total         money.Loose   `json:"total"`
	Items         []SaleItem    `json:"items"`
}

const PaymentStatusPaid = "Paid"

// ItemByID returns the sale line with the given id.
func (s Sale) ItemByID(id string) (SaleItem, bool) {
	for _, item := range s.Items {
		if item.ID == id {
			return item, true
		}
	}
	return SaleItem{}, false
}

// IsSettled reports whether a payment payload is already attached to the sale.
func (s Sale) IsSettled() bool {
	return len(s.Payments) > 0 || strings.EqualFold(strings.TrimSpace(s.PaymentStatus), PaymentStatusPaid)
}

type StockItemStatus string

const (
	StockReceived           StockItemStatus = "Received"
	StockInStock            StockItemStatus = "InStock"
	StockReserved           StockItemStatus = "Reserved"
	StockSold               StockItemStatus = "Sold"
	StockReturned           StockItemStatus = "Returned"
	StockReturnedDamaged    StockItemStatus = "ReturnedDamaged"
	StockReturnedToSupplier StockItemStatus = "ReturnedToSupplier"
	StockDamaged            StockItemStatus = "Damaged"
	StockLost               StockItemStatus = "Lost"
	StockExpired            StockItemStatus = "Expired"
	StockTransferred        StockItemStatus = "Transferred"
)

var stockItemStatuses = []StockItemStatus{
	StockReceived, StockInStock, StockReserved, StockSold, StockReturned, StockReturnedDamaged,
	StockReturnedToSupplier, StockDamaged, StockLost, StockExpired, StockTransferred,
}

func (s StockItemStatus) IsValid() bool {
	for _, status := range stockItemStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// IsReturnable reports whether a unit in this status may be selected for return.
func (s StockItemStatus) IsReturnable() bool {
	return s == StockSold
}

// IsReturnTarget reports whether a returned unit may be moved into this status.
func (s StockItemStatus) IsReturnTarget() bool {
	switch s {
	case StockReturned, StockReturnedDamaged, StockDamaged, StockInStock:
		return true
	default:
		return false
	}
}

type StockItem struct {
	ID               string          `json:"id"`
	Product          ProductRef      `json:"product"`
	SellingPrice     money.Loose     `json:"selling_price"`
	SaleItemID       string          `json:"sale_item_id"`
	SaleReturnItemID string          `json:"sale_return_item_id,omitempty"`
	SerialNumber     string          `json:"serial_number,omitempty"`
	Barcode          string          `json:"barcode,omitempty"`
	Status           StockItemStatus `json:"status"`
}

// StockItemPatch is the write applied to a returned unit.
type StockItemPatch struct {
	Status           StockItemStatus
	SaleReturnItemID string
}

type SaleReturnStatus string

const (
	SaleReturnComplete   SaleReturnStatus = "Complete"
	SaleReturnIncomplete SaleReturnStatus = "Incomplete"
)

type SaleReturn struct {
	ID           string           `json:"id"`
	ReturnNumber string           `json:"return_number"`
	ReturnDate   time.Time        `json:"return_date"`
	TotalRefund  decimal.Decimal  `json:"total_refund"`
	SaleID       string           `json:"sale_id"`
	BranchID     string           `json:"branch_id"`
	DeskID       string           `json:"desk_id"`
	Status       SaleReturnStatus `json:"status"`
	Notes        string           `json:"notes,omitempty"`
	ProcessedBy  string           `json:"processed_by,omitempty"`
}

type SaleReturnItem struct {
	ID           string          `json:"id"`
	SaleReturnID string          `json:"sale_return_id"`
	SaleItemID   string          `json:"sale_item_id"`
	Product      ProductRef      `json:"product"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Total        decimal.Decimal `json:"total"`
}

// TenantContext scopes pricing, printing and returns to one branch and desk.
type TenantContext struct {
	BranchID string `json:"branch_id"`
	DeskID   string `json:"desk_id"`
	Currency string `json:"currency"`
	Username string `json:"username"`
}

type TenderSummaryRequest struct {
	Total   decimal.Decimal `json:"total"`
	Tenders []TenderRow     `json:"tenders" validate:"dive"`
}

type ExactAmountRequest struct {
	Total   decimal.Decimal `json:"total"`
	Tenders []TenderRow     `json:"tenders" validate:"required,min=1,dive"`
	Index   int             `json:"index" validate:"gte=0"`
}

type ExactAmountResponse struct {
	Index  int             `json:"index"`
	Amount decimal.Decimal `json:"amount"`
}

// CommitPaymentsRequest commits tenders to a sale. Total, when sent, must match
// the sale's own total.
type CommitPaymentsRequest struct {
	Total   *decimal.Decimal `json:"total,omitempty"`
	Tenders []TenderRow      `json:"tenders" validate:"required,min=1,dive"`
}

type CommitPaymentsResponse struct {
	SaleID    string          `json:"sale_id"`
	TotalPaid decimal.Decimal `json:"total_paid"`
	Change    decimal.Decimal `json:"change"`
	Payments  []PaymentEntry  `json:"payments"`
}

type ReturnSelectionLine struct {
	StockItemID  string          `json:"stock_item_id" validate:"required"`
	TargetStatus StockItemStatus `json:"target_status,omitempty"`
}

type ProcessReturnRequest struct {
	ManagerPIN string                `json:"manager_pin" validate:"required"`
	Notes      string                `json:"notes" validate:"max=500"`
	Items      []ReturnSelectionLine `json:"items" validate:"required,min=1,dive"`
}

type ProcessReturnResponse struct {
	Return       SaleReturn       `json:"return"`
	Items        []SaleReturnItem `json:"items"`
	UpdatedUnits int              `json:"updated_units"`
}

type ReturnableUnit struct {
	StockItem StockItem `json:"stock_item"`
	Eligible  bool      `json:"eligible"`
}

type ReturnableLine struct {
	SaleItemID string           `json:"sale_item_id"`
	Product    ProductRef       `json:"product"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	Units      []ReturnableUnit `json:"units"`
}

type ReturnableResponse struct {
	SaleID string           `json:"sale_id"`
	Lines  []ReturnableLine `json:"lines"`
}

type SaleReturnListResponse struct {
	SaleID  string       `json:"sale_id"`
	Returns []SaleReturn `json:"returns"`
}

type PrintJobRequest struct {
	SaleID string      `json:"sale_id" validate:"required"`
	Totals *SaleTotals `json:"totals,omitempty"`
}

type PrintJobResponse struct {
	Key          string    `json:"key"`
	ExpiresAt    time.Time `json:"expires_at"`
	PrintDelayMS int       `json:"print_delay_ms"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id"`
	DeskID      string `json:"desk_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	BranchID string
	DeskID   string
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Password string `json:"password" validate:"required,min=8"`
	BranchID string `json:"branch_id"`
	DeskID   string `json:"desk_id"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	BranchID  string    `json:"branch_id"`
	DeskID    string    `json:"desk_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	BranchID  string
	DeskID    string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type HardwareReceiptResponse struct {
	SaleID       string `json:"sale_id"`
	EscposBase64 string `json:"escpos_base64"`
	PreviewText  string `json:"preview_text"`
	FileName     string `json:"file_name"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
