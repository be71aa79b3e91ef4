package store

import (
	"context"
	"errors"

	"posdesk/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrAlreadyPaid is a payment commit against a sale that already has one.
	ErrAlreadyPaid = errors.New("sale already paid")
	// ErrUpstream is a data API that failed or could not be reached.
	ErrUpstream = errors.New("data api unavailable")
)

type SaleReader interface {
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSaleStockItems(ctx context.Context, saleID string) ([]domain.StockItem, error)
	ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturn, error)
}

type ReturnWriter interface {
	CreateSaleReturn(ctx context.Context, header domain.SaleReturn) (domain.SaleReturn, error)
	CreateSaleReturnItem(ctx context.Context, item domain.SaleReturnItem) (domain.SaleReturnItem, error)
	UpdateStockItem(ctx context.Context, id string, patch domain.StockItemPatch) error
	MarkSaleReturnIncomplete(ctx context.Context, returnID string, reason string) error
}

type PaymentWriter interface {
	CreateSalePayments(ctx context.Context, saleID string, entries []domain.PaymentEntry) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type AuditWriter interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// Repository is everything the service needs from the data API.
type Repository interface {
	SaleReader
	ReturnWriter
	PaymentWriter
	UserStore
	AuditWriter
}
