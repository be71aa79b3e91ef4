package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"posdesk/backend/internal/domain"
	"posdesk/backend/internal/store"
	"posdesk/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened pool.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables. Every statement in the schema is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	id = strings.TrimSpace(id)

	var sale domain.Sale
	var branchID, deskID, paymentStatus sql.NullString
	var branchName, companyName, web, address, phone sql.NullString
	var customerID, customerName, customerPhone, customerEmail sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.number, s.sold_at, s.branch_id, s.desk_id,
			b.name, b.company_name, b.web, b.address, b.phone,
			c.id, c.name, c.phone, c.email,
			s.paid, s.payment_status, s.subtotal, s.discount, s.tax, s.total
		FROM sales s
		LEFT JOIN branches b ON b.id = s.branch_id
		LEFT JOIN customers c ON c.id = s.customer_id
		WHERE s.id = $1
	`, id).Scan(
		&sale.ID, &sale.Number, &sale.Date, &branchID, &deskID,
		&branchName, &companyName, &web, &address, &phone,
		&customerID, &customerName, &customerPhone, &customerEmail,
		&sale.Paid, &paymentStatus, &sale.Subtotal, &sale.Discount, &sale.Tax, &sale.Total,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.Date = sale.Date.UTC()
	sale.BranchID = branchID.String
	sale.DeskID = deskID.String
	sale.PaymentStatus = paymentStatus.String
	if branchName.Valid {
		sale.Branch = &domain.BranchInfo{
			ID:          branchID.String,
			Name:        branchName.String,
			CompanyName: companyName.String,
			Web:         web.String,
			Address:     address.String,
			Phone:       phone.String,
		}
	}
	if customerID.Valid {
		sale.Customer = &domain.CustomerRef{
			ID:    customerID.String,
			Name:  customerName.String,
			Phone: customerPhone.String,
			Email: customerEmail.String,
		}
	}

	if sale.Items, err = s.saleItems(ctx, sale.ID); err != nil {
		return nil, err
	}
	if sale.Payments, err = s.salePayments(ctx, sale.ID); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) saleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT si.id, si.quantity, si.price, COALESCE(p.id, ''), COALESCE(p.name, ''), COALESCE(p.sku, '')
		FROM sale_items si
		LEFT JOIN products p ON p.id = si.product_id
		WHERE si.sale_id = $1
		ORDER BY si.line_no ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	items := make([]domain.SaleItem, 0, 8)
	index := make(map[string]int)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.Quantity, &item.Price, &item.Product.ID, &item.Product.Name, &item.Product.SKU); err != nil {
			_ = rows.Close()
			return nil, err
		}
		item.StockItemIDs = []string{}
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	unitRows, err := s.db.QueryContext(ctx, `
		SELECT st.id, st.sale_item_id
		FROM stock_items st
		JOIN sale_items si ON si.id = st.sale_item_id
		WHERE si.sale_id = $1
		ORDER BY si.line_no ASC, st.id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer unitRows.Close()
	for unitRows.Next() {
		var unitID, saleItemID string
		if err := unitRows.Scan(&unitID, &saleItemID); err != nil {
			return nil, err
		}
		if i, ok := index[saleItemID]; ok {
			items[i].StockItemIDs = append(items[i].StockItemIDs, unitID)
		}
	}
	if err := unitRows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) salePayments(ctx context.Context, saleID string) ([]domain.SalePayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, amount, change_amount, cash_received, COALESCE(transaction_reference, ''), payment_date
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY payment_date ASC, id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.SalePayment, 0, 4)
	for rows.Next() {
		var payment domain.SalePayment
		var method string
		var paidAt time.Time
		if err := rows.Scan(&payment.ID, &method, &payment.Amount, &payment.Change, &payment.CashReceived, &payment.TransactionReference, &paidAt); err != nil {
			return nil, err
		}
		payment.Method, _ = domain.ParsePaymentMethod(method)
		paidAt = paidAt.UTC()
		payment.PaymentDate = &paidAt
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *Store) saleExists(ctx context.Context, saleID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, saleID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSaleStockItems(ctx context.Context, saleID string) ([]domain.StockItem, error) {
	if err := s.saleExists(ctx, saleID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT st.id, COALESCE(p.id, ''), COALESCE(p.name, ''), COALESCE(p.sku, ''), st.selling_price,
			st.sale_item_id, COALESCE(st.sale_return_item_id, ''), COALESCE(st.serial_number, ''),
			COALESCE(st.barcode, ''), st.status
		FROM stock_items st
		JOIN sale_items si ON si.id = st.sale_item_id
		LEFT JOIN products p ON p.id = st.product_id
		WHERE si.sale_id = $1
		ORDER BY si.line_no ASC, st.id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	units := make([]domain.StockItem, 0, 8)
	for rows.Next() {
		var unit domain.StockItem
		var status string
		if err := rows.Scan(&unit.ID, &unit.Product.ID, &unit.Product.Name, &unit.Product.SKU, &unit.SellingPrice,
			&unit.SaleItemID, &unit.SaleReturnItemID, &unit.SerialNumber, &unit.Barcode, &status); err != nil {
			return nil, err
		}
		unit.Status = domain.StockItemStatus(status)
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return units, nil
}

func (s *Store) ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturn, error) {
	if err := s.saleExists(ctx, saleID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, return_number, return_date, total_refund, sale_id,
			COALESCE(branch_id, ''), COALESCE(desk_id, ''), status, notes, COALESCE(processed_by, '')
		FROM sale_returns
		WHERE sale_id = $1
		ORDER BY return_date ASC, return_number ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.SaleReturn, 0, 4)
	for rows.Next() {
		var header domain.SaleReturn
		var status string
		if err := rows.Scan(&header.ID, &header.ReturnNumber, &header.ReturnDate, &header.TotalRefund, &header.SaleID,
			&header.BranchID, &header.DeskID, &status, &header.Notes, &header.ProcessedBy); err != nil {
			return nil, err
		}
		header.ReturnDate = header.ReturnDate.UTC()
		header.Status = domain.SaleReturnStatus(status)
		returns = append(returns, header)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

func (s *Store) CreateSaleReturn(ctx context.Context, header domain.SaleReturn) (domain.SaleReturn, error) {
	if strings.TrimSpace(header.ReturnNumber) == "" || strings.TrimSpace(header.SaleID) == "" {
		return domain.SaleReturn{}, store.ErrInvalidInput
	}
	if header.ID == "" {
		header.ID = xid.New("ret")
	}
	if header.Status == "" {
		header.Status = domain.SaleReturnComplete
	}
	if header.ReturnDate.IsZero() {
		header.ReturnDate = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sale_returns (
			id, return_number, return_date, total_refund, sale_id, branch_id, desk_id, status, notes, processed_by
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, header.ID, header.ReturnNumber, header.ReturnDate, header.TotalRefund, header.SaleID,
		nullIfEmpty(header.BranchID), nullIfEmpty(header.DeskID), string(header.Status), header.Notes, nullIfEmpty(header.ProcessedBy))
	if err != nil {
		return domain.SaleReturn{}, mapWriteError(err)
	}
	return header, nil
}

func (s *Store) CreateSaleReturnItem(ctx context.Context, item domain.SaleReturnItem) (domain.SaleReturnItem, error) {
	if item.Quantity < 1 || strings.TrimSpace(item.SaleReturnID) == "" {
		return domain.SaleReturnItem{}, store.ErrInvalidInput
	}
	if item.ID == "" {
		item.ID = xid.New("rti")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sale_return_items (id, sale_return_id, sale_item_id, product_id, quantity, price, total)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, item.ID, item.SaleReturnID, item.SaleItemID, nullIfEmpty(item.Product.ID), item.Quantity, item.Price, item.Total)
	if err != nil {
		return domain.SaleReturnItem{}, mapWriteError(err)
	}
	return item, nil
}

func (s *Store) UpdateStockItem(ctx context.Context, id string, patch domain.StockItemPatch) error {
	if !patch.Status.IsValid() {
		return fmt.Errorf("%w: status %q", store.ErrInvalidInput, patch.Status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_items
		SET status = $2, sale_return_item_id = $3, updated_at = now()
		WHERE id = $1
	`, id, string(patch.Status), nullIfEmpty(patch.SaleReturnItemID))
	if err != nil {
		return mapWriteError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkSaleReturnIncomplete(ctx context.Context, returnID string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sale_returns
		SET status = $2,
			notes = CASE WHEN $3::text = '' THEN notes WHEN notes = '' THEN $3::text ELSE notes || E'\n' || $3::text END
		WHERE id = $1
	`, returnID, string(domain.SaleReturnIncomplete), strings.TrimSpace(reason))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSalePayments(ctx context.Context, saleID string, entries []domain.PaymentEntry) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status   sql.NullString
		payments int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT s.payment_status,
			(SELECT COUNT(*) FROM sale_payments p WHERE p.sale_id = s.id)
		FROM sales s
		WHERE s.id = $1
		FOR UPDATE OF s
	`, saleID).Scan(&status, &payments)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if payments > 0 || strings.EqualFold(strings.TrimSpace(status.String), domain.PaymentStatusPaid) {
		return store.ErrAlreadyPaid
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sales SET payment_status = $2 WHERE id = $1
	`, saleID, domain.PaymentStatusPaid); err != nil {
		return err
	}

	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_payments (
				id, sale_id, method, amount, change_amount, cash_received, transaction_reference, payment_date
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, xid.New("pay"), saleID, string(entry.Method), entry.Amount, nullDecimal(entry.Change),
			nullDecimal(entry.CashReceived), nullIfEmpty(entry.TransactionReference), entry.PaymentDate)
		if err != nil {
			return mapWriteError(err)
		}
	}

	return tx.Commit()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, nullIfEmpty(entry.BranchID), entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, branch_id, desk_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,true,$6,now())
	`, user.Username, user.Password, user.Role, nullIfEmpty(user.BranchID), nullIfEmpty(user.DeskID), user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, COALESCE(branch_id, ''), COALESCE(desk_id, ''), active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.BranchID, &user.DeskID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// mapWriteError turns constraint violations into store sentinels.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505", "23514":
		return fmt.Errorf("%w: %s", store.ErrInvalidInput, pgErr.Message)
	case "23503":
		return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Message)
	default:
		return err
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
