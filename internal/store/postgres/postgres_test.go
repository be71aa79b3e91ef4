package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posdesk/backend/internal/domain"
	"posdesk/backend/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestGetSaleAssemblesLinesUnitsAndPayments(t *testing.T) {
	s, mock := newMockStore(t)
	soldAt := time.Date(2024, 6, 3, 10, 30, 0, 0, time.UTC)
	paidAt := soldAt.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sales s")).
		WithArgs("sale-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "number", "sold_at", "branch_id", "desk_id",
			"name", "company_name", "web", "address", "phone",
			"c_id", "c_name", "c_phone", "c_email",
			"paid", "payment_status", "subtotal", "discount", "tax", "total",
		}).AddRow(
			"sale-1", "INV-1", soldAt, "b-1", "d-1",
			"Main", "Posdesk Retail", "posdesk.example", "1 Market St", "555",
			nil, nil, nil, nil,
			nil, "Pending", "25.00", "0", "0", "25.00",
		))
	mock.ExpectQuery(regexp.QuoteMeta("FROM sale_items si")).
		WithArgs("sale-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "quantity", "price", "p_id", "p_name", "p_sku"}).
			AddRow("line-1", "2", "12.50", "prod-1", "Lamp", "LAMP-01"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT st.id, st.sale_item_id")).
		WithArgs("sale-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sale_item_id"}).
			AddRow("unit-1", "line-1").
			AddRow("unit-2", "line-1"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM sale_payments")).
		WithArgs("sale-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "method", "amount", "change_amount", "cash_received", "transaction_reference", "payment_date"}).
			AddRow("pay-1", "Cash", "30.00", "5.00", "30.00", "", paidAt))

	sale, err := s.GetSale(context.Background(), " sale-1 ")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "INV-1", sale.Number)
	require.NotNil(t, sale.Branch)
	assert.Equal(t, "Posdesk Retail", sale.Branch.CompanyName)
	assert.Nil(t, sale.Customer)
	assert.False(t, sale.Paid.IsSet())
	assert.Equal(t, "25.00", sale.Total.Raw())

	require.Len(t, sale.Items, 1)
	assert.Equal(t, []string{"unit-1", "unit-2"}, sale.Items[0].StockItemIDs)
	assert.Equal(t, "Lamp", sale.Items[0].Product.Name)

	require.Len(t, sale.Payments, 1)
	assert.Equal(t, domain.PaymentCash, sale.Payments[0].Method)
	assert.True(t, sale.Payments[0].Change.Value().Equal(decimal.NewFromInt(5)))
	require.NotNil(t, sale.Payments[0].PaymentDate)
	assert.Equal(t, paidAt, *sale.Payments[0].PaymentDate)
}

func TestGetSaleNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sales s")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetSale(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListSaleStockItemsRequiresSale(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.ListSaleStockItems(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSaleStockItems(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("sale-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM stock_items st")).
		WithArgs("sale-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "p_id", "p_name", "p_sku", "selling_price", "sale_item_id", "sale_return_item_id", "serial_number", "barcode", "status"}).
			AddRow("unit-1", "prod-1", "Lamp", "LAMP-01", "12.50", "line-1", "", "LMP-1", "", "Sold").
			AddRow("unit-2", "prod-1", "Lamp", "LAMP-01", nil, "line-1", "rti-1", "", "", "Returned"))

	units, err := s.ListSaleStockItems(context.Background(), "sale-1")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, domain.StockSold, units[0].Status)
	assert.Equal(t, "12.50", units[0].SellingPrice.Raw())
	assert.False(t, units[1].SellingPrice.IsSet())
	assert.Equal(t, "rti-1", units[1].SaleReturnItemID)
}

func TestCreateSaleReturnDuplicateNumber(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sale_returns")).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

	_, err := s.CreateSaleReturn(context.Background(), domain.SaleReturn{ReturnNumber: "RET-1", SaleID: "sale-1"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCreateSaleReturnDefaults(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sale_returns")).
		WithArgs(sqlmock.AnyArg(), "RET-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "sale-1", "b-1", nil, "Complete", "", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	header, err := s.CreateSaleReturn(context.Background(), domain.SaleReturn{
		ReturnNumber: "RET-1",
		SaleID:       "sale-1",
		BranchID:     "b-1",
		TotalRefund:  decimal.RequireFromString("12.50"),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.NotEmpty(t, header.ID)
	assert.Equal(t, domain.SaleReturnComplete, header.Status)
	assert.False(t, header.ReturnDate.IsZero())
}

func TestCreateSaleReturnItemMissingHeader(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sale_return_items")).
		WillReturnError(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})

	_, err := s.CreateSaleReturnItem(context.Background(), domain.SaleReturnItem{SaleReturnID: "ret-x", SaleItemID: "line-1", Quantity: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateSaleReturnItem(context.Background(), domain.SaleReturnItem{SaleReturnID: "ret-x", Quantity: 0})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestUpdateStockItem(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.UpdateStockItem(ctx, "unit-1", domain.StockItemPatch{Status: "Gone"}), store.ErrInvalidInput)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE stock_items")).
		WithArgs("unit-1", "Returned", "rti-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateStockItem(ctx, "unit-1", domain.StockItemPatch{Status: domain.StockReturned, SaleReturnItemID: "rti-1"}))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE stock_items")).
		WithArgs("unit-404", "Damaged", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.UpdateStockItem(ctx, "unit-404", domain.StockItemPatch{Status: domain.StockDamaged}), store.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSaleReturnIncomplete(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sale_returns")).
		WithArgs("ret-1", "Incomplete", "failed at units stage").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkSaleReturnIncomplete(context.Background(), "ret-1", " failed at units stage "))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSalePaymentsRunsInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2024, 6, 3, 11, 0, 0, 0, time.UTC)
	change := decimal.NewFromInt(2)
	received := decimal.NewFromInt(20)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF s")).
		WithArgs("sale-1").
		WillReturnRows(sqlmock.NewRows([]string{"payment_status", "count"}).AddRow("Pending", 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sales SET payment_status")).
		WithArgs("sale-1", "Paid").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sale_payments")).
		WithArgs(sqlmock.AnyArg(), "sale-1", "card", sqlmock.AnyArg(), nil, nil, "AUTH-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sale_payments")).
		WithArgs(sqlmock.AnyArg(), "sale-1", "cash", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.CreateSalePayments(context.Background(), "sale-1", []domain.PaymentEntry{
		{Method: domain.PaymentCard, Amount: decimal.RequireFromString("23.50"), TransactionReference: "AUTH-1", PaymentDate: at},
		{Method: domain.PaymentCash, Amount: received, CashReceived: &received, Change: &change, PaymentDate: at},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSalePaymentsUnknownSaleRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF s")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"payment_status", "count"}))
	mock.ExpectRollback()

	err := s.CreateSalePayments(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSalePaymentsRejectsSettledSale(t *testing.T) {
	cases := []struct {
		name     string
		status   any
		payments int
	}{
		{name: "itemized payments", status: nil, payments: 2},
		{name: "paid status", status: "paid", payments: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF s")).
				WithArgs("sale-1").
				WillReturnRows(sqlmock.NewRows([]string{"payment_status", "count"}).AddRow(tc.status, tc.payments))
			mock.ExpectRollback()

			err := s.CreateSalePayments(context.Background(), "sale-1", []domain.PaymentEntry{
				{Method: domain.PaymentCash, Amount: decimal.NewFromInt(50), PaymentDate: time.Now()},
			})
			assert.ErrorIs(t, err, store.ErrAlreadyPaid)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO app_users")).
		WithArgs("kasir", "hash", domain.RoleCashier, nil, nil, sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateUser(context.Background(), domain.UserAccount{Username: " Kasir ", Password: "hash"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	assert.ErrorIs(t, s.CreateUser(context.Background(), domain.UserAccount{Username: "x"}), store.ErrInvalidInput)
}
