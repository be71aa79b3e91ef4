package strapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posdesk/backend/internal/domain"
	"posdesk/backend/internal/money"
	"posdesk/backend/internal/store"
)

const (
	collectionSales       = "sales"
	collectionReturns     = "sale-returns"
	collectionReturnItems = "sale-return-items"
	collectionStockItems  = "stock-items"
	collectionPayments    = "payments"

	idChunkSize = 50
)

// Local keeps what Strapi does not: operator accounts and the audit trail.
type Local interface {
	store.UserStore
	store.AuditWriter
}

type Store struct {
	client *Client
	local  Local
	logger *zap.Logger
}

var _ store.Repository = (*Store)(nil)

func New(client *Client, local Local, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, local: local, logger: logger}
}

type wireRef struct {
	ID string `json:"id"`
}

type wireProduct struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	SKU  string `json:"sku"`
}

type wireBranch struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CompanyName string `json:"companyName"`
	Web         string `json:"web"`
	Address     string `json:"address"`
	Phone       string `json:"phone"`
}

type wireCustomer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type wirePayment struct {
	ID                   string      `json:"id"`
	Method               string      `json:"method"`
	Amount               money.Loose `json:"amount"`
	Change               money.Loose `json:"change"`
	CashReceived         money.Loose `json:"cashReceived"`
	TransactionReference string      `json:"transactionReference"`
	PaymentDate          string      `json:"paymentDate"`
}

type wireSaleItem struct {
	ID         string       `json:"id"`
	Quantity   money.Loose  `json:"quantity"`
	Price      money.Loose  `json:"price"`
	Product    *wireProduct `json:"product"`
	StockItems []wireRef    `json:"stockItems"`
}

type wireSale struct {
	ID            string         `json:"id"`
	Number        string         `json:"number"`
	Date          string         `json:"date"`
	Paid          money.Loose    `json:"paid"`
	PaymentStatus string         `json:"paymentStatus"`
	Subtotal      money.Loose    `json:"subtotal"`
	Discount      money.Loose    `json:"discount"`
	Tax           money.Loose    `json:"tax"`
	Total         money.Loose    `json:"total"`
	Branch        *wireBranch    `json:"branch"`
	Desk          *wireRef       `json:"desk"`
	Customer      *wireCustomer  `json:"customer"`
	Payments      []wirePayment  `json:"payments"`
	Items         []wireSaleItem `json:"items"`
}

type wireStockItem struct {
	ID             string       `json:"id"`
	Product        *wireProduct `json:"product"`
	SellingPrice   money.Loose  `json:"sellingPrice"`
	SaleReturnItem *wireRef     `json:"saleReturnItem"`
	SerialNumber   string       `json:"serialNumber"`
	Barcode        string       `json:"barcode"`
	Status         string       `json:"status"`
}

type wireSaleReturn struct {
	ID           string      `json:"id"`
	ReturnNumber string      `json:"returnNumber"`
	ReturnDate   string      `json:"returnDate"`
	TotalRefund  money.Loose `json:"totalRefund"`
	Status       string      `json:"status"`
	Notes        string      `json:"notes"`
	ProcessedBy  string      `json:"processedBy"`
	Branch       *wireRef    `json:"branch"`
	Desk         *wireRef    `json:"desk"`
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: %v", store.ErrNotFound, errEmptyID)
	}

	query := url.Values{}
	query.Set("populate[branch]", "true")
	query.Set("populate[desk]", "true")
	query.Set("populate[customer]", "true")
	query.Set("populate[payments][sort][0]", "paymentDate:asc")
	query.Set("populate[items][populate][0]", "product")
	query.Set("populate[items][populate][1]", "stockItems")

	var wire wireSale
	if err := s.client.get(ctx, entryPath(collectionSales, id), query, &wire); err != nil {
		return nil, err
	}
	sale := wire.toDomain()
	return &sale, nil
}

func (w wireSale) toDomain() domain.Sale {
	sale := domain.Sale{
		ID:            w.ID,
		Number:        w.Number,
		Date:          parseTime(w.Date),
		Paid:          w.Paid,
		PaymentStatus: w.PaymentStatus,
		Subtotal:      w.Subtotal,
		Discount:      w.Discount,
		Tax:           w.Tax,
		Total:         w.Total,
		Payments:      make([]domain.SalePayment, 0, len(w.Payments)),
		Items:         make([]domain.SaleItem, 0, len(w.Items)),
	}
	if w.Branch != nil {
		sale.BranchID = w.Branch.ID
		sale.Branch = &domain.BranchInfo{
			ID:          w.Branch.ID,
			Name:        w.Branch.Name,
			CompanyName: w.Branch.CompanyName,
			Web:         w.Branch.Web,
			Address:     w.Branch.Address,
			Phone:       w.Branch.Phone,
		}
	}
	if w.Desk != nil {
		sale.DeskID = w.Desk.ID
	}
	if w.Customer != nil {
		sale.Customer = &domain.CustomerRef{
			ID:    w.Customer.ID,
			Name:  w.Customer.Name,
			Phone: w.Customer.Phone,
			Email: w.Customer.Email,
		}
	}
	for _, p := range w.Payments {
		method, _ := domain.ParsePaymentMethod(p.Method)
		payment := domain.SalePayment{
			ID:                   p.ID,
			Method:               method,
			Amount:               p.Amount,
			Change:               p.Change,
			CashReceived:         p.CashReceived,
			TransactionReference: p.TransactionReference,
		}
		if at := parseTime(p.PaymentDate); !at.IsZero() {
			payment.PaymentDate = &at
		}
		sale.Payments = append(sale.Payments, payment)
	}
	for _, line := range w.Items {
		item := domain.SaleItem{
			ID:           line.ID,
			Quantity:     line.Quantity,
			Price:        line.Price,
			StockItemIDs: make([]string, 0, len(line.StockItems)),
		}
		if line.Product != nil {
			item.Product = domain.ProductRef{ID: line.Product.ID, Name: line.Product.Name, SKU: line.Product.SKU}
		}
		for _, unit := range line.StockItems {
			item.StockItemIDs = append(item.StockItemIDs, unit.ID)
		}
		sale.Items = append(sale.Items, item)
	}
	return sale
}

// ListSaleStockItems fetches the units referenced by the sale lines, in line
// order.
func (s *Store) ListSaleStockItems(ctx context.Context, saleID string) ([]domain.StockItem, error) {
	sale, err := s.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}

	lineOf := make(map[string]string)
	ids := make([]string, 0, 8)
	for _, item := range sale.Items {
		for _, unitID := range item.StockItemIDs {
			if _, seen := lineOf[unitID]; seen {
				continue
			}
			lineOf[unitID] = item.ID
			ids = append(ids, unitID)
		}
	}

	found := make(map[string]domain.StockItem, len(ids))
	for start := 0; start < len(ids); start += idChunkSize {
		chunk := ids[start:min(start+idChunkSize, len(ids))]
		query := url.Values{}
		field := idField(chunk[0])
		for i, id := range chunk {
			query.Set("filters["+field+"][$in]["+strconv.Itoa(i)+"]", id)
		}
		query.Set("populate[0]", "product")
		query.Set("populate[1]", "saleReturnItem")

		err := s.client.list(ctx, collectionStockItems, query, func(raw json.RawMessage) error {
			var wire wireStockItem
			if err := decodeEntry(raw, &wire); err != nil {
				return err
			}
			unit := domain.StockItem{
				ID:           wire.ID,
				SellingPrice: wire.SellingPrice,
				SaleItemID:   lineOf[wire.ID],
				SerialNumber: wire.SerialNumber,
				Barcode:      wire.Barcode,
				Status:       domain.StockItemStatus(wire.Status),
			}
			if wire.Product != nil {
				unit.Product = domain.ProductRef{ID: wire.Product.ID, Name: wire.Product.Name, SKU: wire.Product.SKU}
			}
			if wire.SaleReturnItem != nil {
				unit.SaleReturnItemID = wire.SaleReturnItem.ID
			}
			found[unit.ID] = unit
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	units := make([]domain.StockItem, 0, len(found))
	for _, id := range ids {
		if unit, ok := found[id]; ok {
			units = append(units, unit)
		}
	}
	if len(units) < len(ids) {
		s.logger.Warn("sale references stock items the data api did not return",
			zap.String("sale_id", sale.ID),
			zap.Int("referenced", len(ids)),
			zap.Int("returned", len(units)),
		)
	}
	return units, nil
}

func (s *Store) ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturn, error) {
	saleID = strings.TrimSpace(saleID)
	check := url.Values{}
	check.Set("fields[0]", "number")
	var exists wireRef
	if err := s.client.get(ctx, entryPath(collectionSales, saleID), check, &exists); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("filters[sale]["+idField(saleID)+"][$eq]", saleID)
	query.Set("sort[0]", "returnDate:asc")
	query.Set("sort[1]", "returnNumber:asc")
	query.Set("populate[0]", "branch")
	query.Set("populate[1]", "desk")

	out := make([]domain.SaleReturn, 0, 4)
	err := s.client.list(ctx, collectionReturns, query, func(raw json.RawMessage) error {
		var wire wireSaleReturn
		if err := decodeEntry(raw, &wire); err != nil {
			return err
		}
		out = append(out, wire.toDomain(saleID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w wireSaleReturn) toDomain(saleID string) domain.SaleReturn {
	header := domain.SaleReturn{
		ID:           w.ID,
		ReturnNumber: w.ReturnNumber,
		ReturnDate:   parseTime(w.ReturnDate),
		TotalRefund:  w.TotalRefund.Value(),
		SaleID:       saleID,
		Status:       domain.SaleReturnStatus(w.Status),
		Notes:        w.Notes,
		ProcessedBy:  w.ProcessedBy,
	}
	if w.Branch != nil {
		header.BranchID = w.Branch.ID
	}
	if w.Desk != nil {
		header.DeskID = w.Desk.ID
	}
	if header.Status == "" {
		header.Status = domain.SaleReturnComplete
	}
	return header
}

func (s *Store) CreateSaleReturn(ctx context.Context, header domain.SaleReturn) (domain.SaleReturn, error) {
	if strings.TrimSpace(header.ReturnNumber) == "" || strings.TrimSpace(header.SaleID) == "" {
		return domain.SaleReturn{}, store.ErrInvalidInput
	}
	if header.Status == "" {
		header.Status = domain.SaleReturnComplete
	}
	if header.ReturnDate.IsZero() {
		header.ReturnDate = time.Now().UTC()
	}

	data := map[string]any{
		"returnNumber": header.ReturnNumber,
		"returnDate":   header.ReturnDate.UTC().Format(time.RFC3339),
		"totalRefund":  number(header.TotalRefund),
		"status":       string(header.Status),
		"notes":        header.Notes,
		"processedBy":  header.ProcessedBy,
		"sale":         connect(header.SaleID),
	}
	if header.BranchID != "" {
		data["branch"] = connect(header.BranchID)
	}
	if header.DeskID != "" {
		data["desk"] = connect(header.DeskID)
	}

	var created wireRef
	if err := s.client.write(ctx, http.MethodPost, collectionReturns, data, &created); err != nil {
		return domain.SaleReturn{}, err
	}
	header.ID = created.ID
	return header, nil
}

func (s *Store) CreateSaleReturnItem(ctx context.Context, item domain.SaleReturnItem) (domain.SaleReturnItem, error) {
	if item.Quantity < 1 || strings.TrimSpace(item.SaleReturnID) == "" {
		return domain.SaleReturnItem{}, store.ErrInvalidInput
	}

	data := map[string]any{
		"quantity":   item.Quantity,
		"price":      number(item.Price),
		"total":      number(item.Total),
		"saleItemId": item.SaleItemID,
		"saleReturn": connect(item.SaleReturnID),
	}
	if item.Product.ID != "" {
		data["product"] = connect(item.Product.ID)
	}

	var created wireRef
	if err := s.client.write(ctx, http.MethodPost, collectionReturnItems, data, &created); err != nil {
		return domain.SaleReturnItem{}, err
	}
	item.ID = created.ID
	return item, nil
}

func (s *Store) UpdateStockItem(ctx context.Context, id string, patch domain.StockItemPatch) error {
	if !patch.Status.IsValid() {
		return fmt.Errorf("%w: status %q", store.ErrInvalidInput, patch.Status)
	}
	data := map[string]any{"status": string(patch.Status)}
	if patch.SaleReturnItemID != "" {
		data["saleReturnItem"] = connect(patch.SaleReturnItemID)
	}
	return s.client.write(ctx, http.MethodPut, entryPath(collectionStockItems, id), data, nil)
}

// MarkSaleReturnIncomplete flags the header and appends reason to its notes.
func (s *Store) MarkSaleReturnIncomplete(ctx context.Context, returnID string, reason string) error {
	var current wireSaleReturn
	if err := s.client.get(ctx, entryPath(collectionReturns, returnID), nil, &current); err != nil {
		return err
	}

	notes := current.Notes
	if reason = strings.TrimSpace(reason); reason != "" {
		if strings.TrimSpace(notes) == "" {
			notes = reason
		} else {
			notes += "\n" + reason
		}
	}
	data := map[string]any{
		"status": string(domain.SaleReturnIncomplete),
		"notes":  notes,
	}
	return s.client.write(ctx, http.MethodPut, entryPath(collectionReturns, returnID), data, nil)
}

// CreateSalePayments posts one payment per entry, then marks the sale paid.
// A failure midway leaves the earlier payments in place. The settled check
// and the writes are separate requests, so two desks racing on one sale can
// both pass it.
func (s *Store) CreateSalePayments(ctx context.Context, saleID string, entries []domain.PaymentEntry) error {
	sale, err := s.GetSale(ctx, saleID)
	if err != nil {
		return err
	}
	if sale.IsSettled() {
		return store.ErrAlreadyPaid
	}

	for i, entry := range entries {
		data := map[string]any{
			"method":      entry.Method.Label(),
			"amount":      number(entry.Amount),
			"paymentDate": entry.PaymentDate.UTC().Format(time.RFC3339),
			"sale":        connect(saleID),
		}
		if entry.TransactionReference != "" {
			data["transactionReference"] = entry.TransactionReference
		}
		if entry.Change != nil {
			data["change"] = number(*entry.Change)
		}
		if entry.CashReceived != nil {
			data["cashReceived"] = number(*entry.CashReceived)
		}
		if err := s.client.write(ctx, http.MethodPost, collectionPayments, data, nil); err != nil {
			s.logger.Error("payment write failed",
				zap.String("sale_id", saleID),
				zap.Int("row", i),
				zap.Error(err),
			)
			return err
		}
	}

	return s.client.write(ctx, http.MethodPut, entryPath(collectionSales, saleID), map[string]any{
		"paymentStatus": domain.PaymentStatusPaid,
	}, nil)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	return s.local.CreateUser(ctx, user)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	return s.local.ListUsers(ctx)
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	return s.local.UpdateUserPassword(ctx, username, password)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	return s.local.CreateAuditLog(ctx, entry)
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", time.DateOnly}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// number keeps decimals unquoted on the wire.
func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
