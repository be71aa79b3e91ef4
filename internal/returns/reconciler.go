// Package returns walks sold stock units back through their lifecycle and
// records the return against the originating sale.
package returns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posdesk/backend/internal/domain"
	"posdesk/backend/internal/xid"
)

// Writer is the part of the data API a return needs.
type Writer interface {
	CreateSaleReturn(ctx context.Context, header domain.SaleReturn) (domain.SaleReturn, error)
	CreateSaleReturnItem(ctx context.Context, item domain.SaleReturnItem) (domain.SaleReturnItem, error)
	UpdateStockItem(ctx context.Context, id string, patch domain.StockItemPatch) error
	MarkSaleReturnIncomplete(ctx context.Context, returnID string, reason string) error
}

// Selected is one unit the operator chose to return, with its target status.
type Selected struct {
	Unit   domain.StockItem
	Target domain.StockItemStatus
}

type Result struct {
	Return       domain.SaleReturn
	Items        []domain.SaleReturnItem
	UpdatedUnits int
}

type Reconciler struct {
	store   Writer
	logger  *zap.Logger
	now     func() time.Time
	numbers func() string
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithReturnNumbers(next func() string) Option {
	return func(r *Reconciler) { r.numbers = next }
}

func NewReconciler(store Writer, logger *zap.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		numbers: xid.ReturnNumber,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate checks a selection without writing anything and returns it with
// blank targets defaulted to Returned.
func Validate(sale domain.Sale, selected []Selected) ([]Selected, error) {
	if len(selected) == 0 {
		return nil, invalid("no units selected")
	}
	seen := make(map[string]struct{}, len(selected))
	out := make([]Selected, 0, len(selected))
	for _, sel := range selected {
		unit := sel.Unit
		if strings.TrimSpace(unit.ID) == "" {
			return nil, invalid("unit without id")
		}
		if _, dup := seen[unit.ID]; dup {
			return nil, invalid("unit %s selected twice", unit.ID)
		}
		seen[unit.ID] = struct{}{}

		if _, ok := sale.ItemByID(unit.SaleItemID); !ok {
			return nil, invalid("unit %s does not belong to sale %s", unit.ID, sale.ID)
		}
		if !unit.Status.IsReturnable() {
			return nil, invalid("unit %s is %s, only Sold units can be returned", unit.ID, unit.Status)
		}
		if sel.Target == "" {
			sel.Target = domain.StockReturned
		}
		if !sel.Target.IsReturnTarget() {
			return nil, invalid("unit %s cannot be returned as %s", unit.ID, sel.Target)
		}
		out = append(out, sel)
	}
	return out, nil
}

// UnitPrice is the refund attributed to one unit: the sale line's unit price,
// or the unit's own selling price when the line has none.
func UnitPrice(sale domain.Sale, unit domain.StockItem) decimal.Decimal {
	if line, ok := sale.ItemByID(unit.SaleItemID); ok && line.Price.Valid() {
		return line.Price.Value()
	}
	return unit.SellingPrice.Value()
}

type partition struct {
	saleItemID string
	units      []Selected
	prices     []decimal.Decimal
}

// partitionBySaleItem groups a selection by originating sale line, in the order each
// line first appears.
func partitionBySaleItem(sale domain.Sale, selected []Selected) []*partition {
	index := make(map[string]*partition)
	groups := make([]*partition, 0)
	for _, sel := range selected {
		group, ok := index[sel.Unit.SaleItemID]
		if !ok {
			group = &partition{saleItemID: sel.Unit.SaleItemID}
			index[sel.Unit.SaleItemID] = group
			groups = append(groups, group)
		}
		group.units = append(group.units, sel)
		group.prices = append(group.prices, UnitPrice(sale, sel.Unit))
	}
	return groups
}

// Process records a return for the selected units. Writes happen one at a
// time in order: header, one detail row per sale line, then each unit.
// The sequence is not transactional; see PartialReturnError.
func (r *Reconciler) Process(ctx context.Context, sale domain.Sale, selected []Selected, tenant domain.TenantContext, notes string) (Result, error) {
	selected, err := Validate(sale, selected)
	if err != nil {
		return Result{}, err
	}

	totalRefund := decimal.Zero
	for _, sel := range selected {
		totalRefund = totalRefund.Add(UnitPrice(sale, sel.Unit))
	}

	header, err := r.store.CreateSaleReturn(ctx, domain.SaleReturn{
		ReturnNumber: r.numbers(),
		ReturnDate:   r.now(),
		TotalRefund:  totalRefund,
		SaleID:       sale.ID,
		BranchID:     tenant.BranchID,
		DeskID:       tenant.DeskID,
		Status:       domain.SaleReturnComplete,
		Notes:        strings.TrimSpace(notes),
		ProcessedBy:  tenant.Username,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrReturnNotCreated, err)
	}
	if strings.TrimSpace(header.ID) == "" {
		return Result{}, fmt.Errorf("%w: data api returned no identifier", ErrReturnNotCreated)
	}

	result := Result{Return: header}
	for _, group := range partitionBySaleItem(sale, selected) {
		first := group.units[0].Unit
		product := first.Product
		if line, ok := sale.ItemByID(group.saleItemID); ok && line.Product.ID != "" {
			product = line.Product
		}
		item, err := r.store.CreateSaleReturnItem(ctx, domain.SaleReturnItem{
			SaleReturnID: header.ID,
			SaleItemID:   group.saleItemID,
			Product:      product,
			Quantity:     len(group.units),
			Price:        group.prices[0],
			Total:        decimal.Sum(decimal.Zero, group.prices...),
		})
		if err == nil && strings.TrimSpace(item.ID) == "" {
			err = fmt.Errorf("data api returned no identifier for sale item %s", group.saleItemID)
		}
		if err != nil {
			perr := r.fail(ctx, &result, StageItems, err)
			return result, perr
		}
		result.Items = append(result.Items, item)

		for _, sel := range group.units {
			patch := domain.StockItemPatch{Status: sel.Target, SaleReturnItemID: item.ID}
			if err := r.store.UpdateStockItem(ctx, sel.Unit.ID, patch); err != nil {
				perr := r.fail(ctx, &result, StageUnits, fmt.Errorf("unit %s: %w", sel.Unit.ID, err))
				return result, perr
			}
			result.UpdatedUnits++
		}
	}

	r.logger.Info("sale return recorded",
		zap.String("return_id", header.ID),
		zap.String("return_number", header.ReturnNumber),
		zap.String("sale_id", sale.ID),
		zap.Int("items", len(result.Items)),
		zap.Int("units", result.UpdatedUnits),
		zap.String("total_refund", totalRefund.String()),
	)
	return result, nil
}

// fail marks the header Incomplete and builds the partial error. The mark is
// best effort and runs even if ctx has been cancelled.
func (r *Reconciler) fail(ctx context.Context, result *Result, stage Stage, cause error) error {
	perr := &PartialReturnError{
		ReturnID:     result.Return.ID,
		ReturnNumber: result.Return.ReturnNumber,
		Stage:        stage,
		CreatedItems: len(result.Items),
		UpdatedUnits: result.UpdatedUnits,
		Err:          cause,
	}

	reason := fmt.Sprintf("failed at %s stage: %v", stage, cause)
	if err := r.store.MarkSaleReturnIncomplete(context.WithoutCancel(ctx), result.Return.ID, reason); err != nil {
		perr.CompensationErr = err
		r.logger.Error("mark sale return incomplete",
			zap.String("return_id", result.Return.ID),
			zap.Error(err),
		)
	} else {
		result.Return.Status = domain.SaleReturnIncomplete
	}

	r.logger.Error("sale return partially written",
		zap.String("return_id", result.Return.ID),
		zap.String("return_number", result.Return.ReturnNumber),
		zap.String("stage", string(stage)),
		zap.Int("items", perr.CreatedItems),
		zap.Int("units", perr.UpdatedUnits),
		zap.Error(cause),
	)
	return perr
}
