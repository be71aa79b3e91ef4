package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"posdesk/backend/internal/domain"
	"posdesk/backend/internal/money"
	"posdesk/backend/internal/store"
	"posdesk/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	sales           map[string]domain.Sale
	stockItems      map[string]domain.StockItem
	stockOrder      []string
	returns         map[string]domain.SaleReturn
	returnItems     map[string]domain.SaleReturnItem
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		sales:           make(map[string]domain.Sale),
		stockItems:      make(map[string]domain.StockItem),
		returns:         make(map[string]domain.SaleReturn),
		returnItems:     make(map[string]domain.SaleReturnItem),
		auditLogs:       make([]domain.AuditLog, 0, 64),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// when unset the dev defaults are used and a warning is logged.
func seedUsers(logger *zap.Logger) (map[string]domain.UserAccount, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo users and two sales: sale-1001 is
// unpaid and has a three-unit lamp line, sale-1002 only carries the legacy
// paid scalar.
func NewSeeded(logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()
	users, err := seedUsers(logger)
	if err != nil {
		return nil, err
	}
	s.usersByUsername = users

	branch := &domain.BranchInfo{
		ID:          "main-branch",
		Name:        "Main Branch",
		CompanyName: "Posdesk Retail",
		Web:         "posdesk.example",
		Address:     "1 Market Street",
		Phone:       "+1 555 0100",
	}
	lamp := domain.ProductRef{ID: "prod-lamp", Name: "Desk Lamp", SKU: "LAMP-01"}
	cable := domain.ProductRef{ID: "prod-cable", Name: "USB Cable", SKU: "CABLE-01"}
	mug := domain.ProductRef{ID: "prod-mug", Name: "Coffee Mug", SKU: "MUG-01"}
	soldAt := time.Date(2024, 6, 3, 10, 30, 0, 0, time.UTC)

	s.PutSale(domain.Sale{
		ID:            "sale-1001",
		Number:        "INV-1001",
		Date:          soldAt,
		BranchID:      branch.ID,
		DeskID:        "desk-1",
		Branch:        branch,
		Customer:      &domain.CustomerRef{ID: "cust-1", Name: "Walk-in Customer"},
		PaymentStatus: "Pending",
		Subtotal:      money.LooseText("41.50"),
		Discount:      money.LooseText("0"),
		Tax:           money.LooseText("0"),
		Total:         money.LooseText("41.50"),
		Items: []domain.SaleItem{
			{ID: "line-1001-1", Quantity: money.LooseText("3"), Price: money.LooseText("12.50"), Product: lamp, StockItemIDs: []string{"unit-1", "unit-2", "unit-3"}},
			{ID: "line-1001-2", Quantity: money.LooseText("1"), Price: money.LooseText("4.00"), Product: cable, StockItemIDs: []string{"unit-4"}},
		},
	}, []domain.StockItem{
		{ID: "unit-1", Product: lamp, SellingPrice: money.LooseText("12.50"), SaleItemID: "line-1001-1", SerialNumber: "LMP-0001", Status: domain.StockSold},
		{ID: "unit-2", Product: lamp, SellingPrice: money.LooseText("12.50"), SaleItemID: "line-1001-1", SerialNumber: "LMP-0002", Status: domain.StockSold},
		{ID: "unit-3", Product: lamp, SellingPrice: money.LooseText("12.50"), SaleItemID: "line-1001-1", SerialNumber: "LMP-0003", Status: domain.StockSold},
		{ID: "unit-4", Product: cable, SellingPrice: money.LooseText("4.00"), SaleItemID: "line-1001-2", Barcode: "0012345678905", Status: domain.StockSold},
	})

	s.PutSale(domain.Sale{
		ID:            "sale-1002",
		Number:        "INV-1002",
		Date:          soldAt.Add(2 * time.Hour),
		BranchID:      branch.ID,
		DeskID:        "desk-1",
		Branch:        branch,
		Paid:          money.LooseText("20"),
		PaymentStatus: domain.PaymentStatusPaid,
		Total:         money.LooseText("18.00"),
		Items: []domain.SaleItem{
			{ID: "line-1002-1", Quantity: money.LooseText("2"), Price: money.LooseText("9.00"), Product: mug, StockItemIDs: []string{"unit-5", "unit-6"}},
		},
	}, []domain.StockItem{
		{ID: "unit-5", Product: mug, SellingPrice: money.LooseText("9.00"), SaleItemID: "line-1002-1", Status: domain.StockSold},
		{ID: "unit-6", Product: mug, SellingPrice: money.LooseText("9.00"), SaleItemID: "line-1002-1", Status: domain.StockReturned},
	})

	return s, nil
}

// PutSale stores or replaces a sale together with the units sold under it.
func (s *Store) PutSale(sale domain.Sale, units []domain.StockItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sales[sale.ID] = cloneSale(sale)
	for _, unit := range units {
		if _, exists := s.stockItems[unit.ID]; !exists {
			s.stockOrder = append(s.stockOrder, unit.ID)
		}
		s.stockItems[unit.ID] = unit
	}
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[strings.TrimSpace(id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneSale(sale)
	return &cloned, nil
}

func (s *Store) ListSaleStockItems(_ context.Context, saleID string) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	lines := make(map[string]struct{}, len(sale.Items))
	for _, item := range sale.Items {
		lines[item.ID] = struct{}{}
	}
	units := make([]domain.StockItem, 0)
	for _, id := range s.stockOrder {
		unit := s.stockItems[id]
		if _, ok := lines[unit.SaleItemID]; ok {
			units = append(units, unit)
		}
	}
	return units, nil
}

// StockItem returns one unit by id.
func (s *Store) StockItem(id string) (domain.StockItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unit, ok := s.stockItems[id]
	return unit, ok
}

func (s *Store) ListSaleReturns(_ context.Context, saleID string) ([]domain.SaleReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sales[saleID]; !ok {
		return nil, store.ErrNotFound
	}
	out := make([]domain.SaleReturn, 0)
	for _, header := range s.returns {
		if header.SaleID == saleID {
			out = append(out, header)
		}
	}
	slices.SortFunc(out, func(a, b domain.SaleReturn) int {
		if c := a.ReturnDate.Compare(b.ReturnDate); c != 0 {
			return c
		}
		return strings.Compare(a.ReturnNumber, b.ReturnNumber)
	})
	return out, nil
}

// ListSaleReturnItems lists the detail rows of one return.
func (s *Store) ListSaleReturnItems(returnID string) []domain.SaleReturnItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SaleReturnItem, 0)
	for _, item := range s.returnItems {
		if item.SaleReturnID == returnID {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b domain.SaleReturnItem) int {
		return strings.Compare(a.SaleItemID, b.SaleItemID)
	})
	return out
}

func (s *Store) CreateSaleReturn(_ context.Context, header domain.SaleReturn) (domain.SaleReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(header.ReturnNumber) == "" {
		return domain.SaleReturn{}, store.ErrInvalidInput
	}
	if _, ok := s.sales[header.SaleID]; !ok {
		return domain.SaleReturn{}, store.ErrNotFound
	}
	for _, existing := range s.returns {
		if existing.ReturnNumber == header.ReturnNumber {
			return domain.SaleReturn{}, fmt.Errorf("%w: duplicate return number %s", store.ErrInvalidInput, header.ReturnNumber)
		}
	}
	if header.ID == "" {
		header.ID = xid.New("ret")
	}
	if header.Status == "" {
		header.Status = domain.SaleReturnComplete
	}
	s.returns[header.ID] = header
	return header, nil
}

func (s *Store) CreateSaleReturnItem(_ context.Context, item domain.SaleReturnItem) (domain.SaleReturnItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.returns[item.SaleReturnID]; !ok {
		return domain.SaleReturnItem{}, store.ErrNotFound
	}
	if item.Quantity < 1 {
		return domain.SaleReturnItem{}, store.ErrInvalidInput
	}
	if item.ID == "" {
		item.ID = xid.New("rti")
	}
	s.returnItems[item.ID] = item
	return item, nil
}

func (s *Store) UpdateStockItem(_ context.Context, id string, patch domain.StockItemPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.stockItems[id]
	if !ok {
		return store.ErrNotFound
	}
	if !patch.Status.IsValid() {
		return fmt.Errorf("%w: status %q", store.ErrInvalidInput, patch.Status)
	}
	if patch.SaleReturnItemID != "" {
		if _, ok := s.returnItems[patch.SaleReturnItemID]; !ok {
			return store.ErrNotFound
		}
	}
	unit.Status = patch.Status
	unit.SaleReturnItemID = patch.SaleReturnItemID
	s.stockItems[id] = unit
	return nil
}

func (s *Store) MarkSaleReturnIncomplete(_ context.Context, returnID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	header, ok := s.returns[returnID]
	if !ok {
		return store.ErrNotFound
	}
	header.Status = domain.SaleReturnIncomplete
	header.Notes = appendNote(header.Notes, reason)
	s.returns[returnID] = header
	return nil
}

func (s *Store) CreateSalePayments(_ context.Context, saleID string, entries []domain.PaymentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	if sale.IsSettled() {
		return store.ErrAlreadyPaid
	}
	for _, entry := range entries {
		payment := domain.SalePayment{
			ID:                   xid.New("pay"),
			Method:               entry.Method,
			Amount:               money.LooseFrom(entry.Amount),
			TransactionReference: entry.TransactionReference,
		}
		if entry.Change != nil {
			payment.Change = money.LooseFrom(*entry.Change)
		}
		if entry.CashReceived != nil {
			payment.CashReceived = money.LooseFrom(*entry.CashReceived)
		}
		paidAt := entry.PaymentDate
		payment.PaymentDate = &paidAt
		sale.Payments = append(sale.Payments, payment)
	}
	sale.PaymentStatus = domain.PaymentStatusPaid
	s.sales[saleID] = sale
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

// AuditLogs returns a copy of the audit trail, oldest first.
func (s *Store) AuditLogs() []domain.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.auditLogs)
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func appendNote(notes string, reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return notes
	}
	if strings.TrimSpace(notes) == "" {
		return reason
	}
	return notes + "\n" + reason
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Payments = slices.Clone(src.Payments)
	dst.Items = make([]domain.SaleItem, len(src.Items))
	for i, item := range src.Items {
		item.StockItemIDs = slices.Clone(item.StockItemIDs)
		dst.Items[i] = item
	}
	if src.Branch != nil {
		branch := *src.Branch
		dst.Branch = &branch
	}
	if src.Customer != nil {
		customer := *src.Customer
		dst.Customer = &customer
	}
	return dst
}
