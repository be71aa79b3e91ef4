package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posdesk/backend/internal/cache"
	"posdesk/backend/internal/checkout"
	"posdesk/backend/internal/domain"
	"posdesk/backend/internal/invoice"
	"posdesk/backend/internal/returns"
	"posdesk/backend/internal/store"
	"posdesk/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Defaults fill in the tenant and printing values a request does not carry.
type Defaults struct {
	BranchID     string
	DeskID       string
	Currency     string
	PrintTTL     time.Duration
	PrintDelayMS int
}

type Service struct {
	repo       store.Repository
	stash      cache.PrintStash
	settings   cache.SettingsStore
	reconciler *returns.Reconciler
	logger     *zap.Logger
	defaults   Defaults
	now        func() time.Time
}

func New(repo store.Repository, stash cache.PrintStash, settings cache.SettingsStore, logger *zap.Logger, defaults Defaults, opts ...returns.Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.BranchID == "" {
		defaults.BranchID = "main-branch"
	}
	if defaults.DeskID == "" {
		defaults.DeskID = "desk-1"
	}
	if defaults.PrintTTL <= 0 {
		defaults.PrintTTL = 5 * time.Minute
	}
	if defaults.PrintDelayMS < 0 {
		defaults.PrintDelayMS = 0
	}
	defaults.Currency = strings.ToUpper(strings.TrimSpace(defaults.Currency))

	return &Service{
		repo:       repo,
		stash:      stash,
		settings:   settings,
		reconciler: returns.NewReconciler(repo, logger.Named("returns"), opts...),
		logger:     logger,
		defaults:   defaults,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Tenant scopes a request to the signed-in actor's branch and desk, falling
// back to the configured defaults.
func (s *Service) Tenant(ctx context.Context) domain.TenantContext {
	tenant := domain.TenantContext{
		BranchID: s.defaults.BranchID,
		DeskID:   s.defaults.DeskID,
		Currency: s.defaults.Currency,
	}
	if actor, ok := ActorFromContext(ctx); ok {
		tenant.Username = actor.Username
		if strings.TrimSpace(actor.BranchID) != "" {
			tenant.BranchID = actor.BranchID
		}
		if strings.TrimSpace(actor.DeskID) != "" {
			tenant.DeskID = actor.DeskID
		}
	}
	return tenant
}

func (s *Service) TenderSummary(_ context.Context, req domain.TenderSummaryRequest) checkout.Summary {
	return checkout.Summarize(req.Tenders, req.Total)
}

func (s *Service) ExactAmount(_ context.Context, req domain.ExactAmountRequest) (domain.ExactAmountResponse, error) {
	amount, err := checkout.ExactAmount(req.Tenders, req.Index, req.Total)
	if err != nil {
		return domain.ExactAmountResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return domain.ExactAmountResponse{Index: req.Index, Amount: amount}, nil
}

// CommitPayments validates the tenders against the sale total and attaches the
// resulting payment payload to the sale. Nothing is written when validation
// fails, and a sale that already carries a payload is never paid again.
func (s *Service) CommitPayments(ctx context.Context, saleID string, req domain.CommitPaymentsRequest) (domain.CommitPaymentsResponse, error) {
	sale, err := s.loadSale(ctx, saleID)
	if err != nil {
		return domain.CommitPaymentsResponse{}, err
	}

	if sale.IsSettled() {
		return domain.CommitPaymentsResponse{}, fmt.Errorf("sale %s: %w", sale.ID, store.ErrAlreadyPaid)
	}
	total := invoice.EstimateTotals(*sale).Total.Value()
	if req.Total != nil && !req.Total.Equal(total) {
		return domain.CommitPaymentsResponse{}, fmt.Errorf("%w: total %s does not match sale total %s", store.ErrInvalidInput, req.Total, total)
	}

	entries, err := checkout.Commit(req.Tenders, total, s.now())
	if err != nil {
		return domain.CommitPaymentsResponse{}, err
	}
	if err := s.repo.CreateSalePayments(ctx, sale.ID, entries); err != nil {
		return domain.CommitPaymentsResponse{}, fmt.Errorf("attach payments to sale %s: %w", sale.ID, err)
	}

	change := decimal.Zero
	for _, entry := range entries {
		if entry.Change != nil {
			change = change.Add(*entry.Change)
		}
	}
	totalPaid := checkout.TotalPaid(entries)

	s.logAudit(ctx, sale.BranchID, "sale_payments_commit", "sale", sale.ID,
		fmt.Sprintf("tenders=%d,paid=%s,total=%s,change=%s", len(entries), totalPaid, total, change))
	return domain.CommitPaymentsResponse{
		SaleID:    sale.ID,
		TotalPaid: totalPaid,
		Change:    change,
		Payments:  entries,
	}, nil
}

// Invoice composes the printable invoice of a sale. When totals is nil they
// are estimated from the sale itself.
func (s *Service) Invoice(ctx context.Context, saleID string, totals *domain.SaleTotals) (invoice.Invoice, error) {
	sale, err := s.loadSale(ctx, saleID)
	if err != nil {
		return invoice.Invoice{}, err
	}
	settings, err := s.GetPrintSettings(ctx)
	if err != nil {
		return invoice.Invoice{}, err
	}

	resolved := invoice.EstimateTotals(*sale)
	if totals != nil {
		resolved = *totals
	}
	return invoice.Compose(*sale, resolved, settings, s.Tenant(ctx)), nil
}

func (s *Service) Receipt(ctx context.Context, saleID string) (domain.HardwareReceiptResponse, error) {
	inv, err := s.Invoice(ctx, saleID, nil)
	if err != nil {
		return domain.HardwareReceiptResponse{}, err
	}
	receipt, err := invoice.RenderReceipt(inv)
	if err != nil {
		return domain.HardwareReceiptResponse{}, err
	}

	return domain.HardwareReceiptResponse{
		SaleID:       inv.SaleID,
		EscposBase64: base64.StdEncoding.EncodeToString(receipt.Escpos),
		PreviewText:  receipt.Preview,
		FileName:     fmt.Sprintf("receipt-%s.bin", inv.SaleID),
	}, nil
}

func (s *Service) GetPrintSettings(ctx context.Context) (invoice.PrintSettings, error) {
	tenant := s.Tenant(ctx)
	settings, ok, err := s.settings.Get(ctx, tenant.BranchID, tenant.DeskID)
	if err != nil {
		return invoice.PrintSettings{}, fmt.Errorf("load print settings: %w", err)
	}
	if !ok {
		return invoice.DefaultPrintSettings(), nil
	}
	return settings.Normalize(), nil
}

func (s *Service) SavePrintSettings(ctx context.Context, settings invoice.PrintSettings) (invoice.PrintSettings, error) {
	tenant := s.Tenant(ctx)
	settings = settings.Normalize()
	if err := s.settings.Save(ctx, tenant.BranchID, tenant.DeskID, settings); err != nil {
		return invoice.PrintSettings{}, fmt.Errorf("save print settings: %w", err)
	}
	s.logAudit(ctx, tenant.BranchID, "print_settings_update", "desk", tenant.DeskID,
		fmt.Sprintf("paper=%s,font=%d", settings.PaperWidth, settings.FontSize))
	return settings, nil
}

// CreatePrintJob stashes the composed invoice so that a print tab can pick it
// up once with the returned key.
func (s *Service) CreatePrintJob(ctx context.Context, req domain.PrintJobRequest) (domain.PrintJobResponse, error) {
	inv, err := s.Invoice(ctx, req.SaleID, req.Totals)
	if err != nil {
		return domain.PrintJobResponse{}, err
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return domain.PrintJobResponse{}, fmt.Errorf("encode print payload: %w", err)
	}
	key, err := s.stash.Put(ctx, payload, s.defaults.PrintTTL)
	if err != nil {
		return domain.PrintJobResponse{}, fmt.Errorf("stash print payload: %w", err)
	}
	return domain.PrintJobResponse{
		Key:          key,
		ExpiresAt:    s.now().Add(s.defaults.PrintTTL),
		PrintDelayMS: s.defaults.PrintDelayMS,
	}, nil
}

// TakePrintJob returns a stashed payload and removes it.
func (s *Service) TakePrintJob(ctx context.Context, key string) (json.RawMessage, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, cache.ErrPrintJobNotFound
	}
	payload, err := s.stash.Take(ctx, key)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// Returnable lists the sale's lines with their units and whether each unit can
// still be returned.
func (s *Service) Returnable(ctx context.Context, saleID string) (domain.ReturnableResponse, error) {
	sale, err := s.loadSale(ctx, saleID)
	if err != nil {
		return domain.ReturnableResponse{}, err
	}
	units, err := s.repo.ListSaleStockItems(ctx, sale.ID)
	if err != nil {
		return domain.ReturnableResponse{}, err
	}

	byLine := make(map[string][]domain.ReturnableUnit, len(sale.Items))
	for _, unit := range units {
		byLine[unit.SaleItemID] = append(byLine[unit.SaleItemID], domain.ReturnableUnit{
			StockItem: unit,
			Eligible:  unit.Status.IsReturnable(),
		})
	}

	resp := domain.ReturnableResponse{SaleID: sale.ID, Lines: make([]domain.ReturnableLine, 0, len(sale.Items))}
	for _, item := range sale.Items {
		lineUnits := byLine[item.ID]
		if lineUnits == nil {
			lineUnits = []domain.ReturnableUnit{}
		}
		resp.Lines = append(resp.Lines, domain.ReturnableLine{
			SaleItemID: item.ID,
			Product:    item.Product,
			Quantity:   item.Quantity.Value(),
			Price:      item.Price.Value(),
			Units:      lineUnits,
		})
	}
	return resp, nil
}

func (s *Service) ListReturns(ctx context.Context, saleID string) (domain.SaleReturnListResponse, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleReturnListResponse{}, store.ErrInvalidInput
	}
	items, err := s.repo.ListSaleReturns(ctx, saleID)
	if err != nil {
		return domain.SaleReturnListResponse{}, err
	}
	if items == nil {
		items = []domain.SaleReturn{}
	}
	return domain.SaleReturnListResponse{SaleID: saleID, Returns: items}, nil
}

// ProcessReturn resolves the requested unit ids against the sale's units and
// hands the selection to the reconciler. The manager PIN is checked by the
// caller. A partial return is still audited, with the failing stage.
func (s *Service) ProcessReturn(ctx context.Context, saleID string, req domain.ProcessReturnRequest) (domain.ProcessReturnResponse, error) {
	sale, err := s.loadSale(ctx, saleID)
	if err != nil {
		return domain.ProcessReturnResponse{}, err
	}
	units, err := s.repo.ListSaleStockItems(ctx, sale.ID)
	if err != nil {
		return domain.ProcessReturnResponse{}, err
	}
	byID := make(map[string]domain.StockItem, len(units))
	for _, unit := range units {
		byID[unit.ID] = unit
	}

	selected := make([]returns.Selected, 0, len(req.Items))
	for _, line := range req.Items {
		id := strings.TrimSpace(line.StockItemID)
		unit, ok := byID[id]
		if !ok {
			return domain.ProcessReturnResponse{}, fmt.Errorf("%w: unit %s is not part of sale %s", returns.ErrInvalidReturn, id, sale.ID)
		}
		selected = append(selected, returns.Selected{Unit: unit, Target: line.TargetStatus})
	}

	tenant := s.Tenant(ctx)
	result, err := s.reconciler.Process(ctx, *sale, selected, tenant, req.Notes)
	resp := domain.ProcessReturnResponse{
		Return:       result.Return,
		Items:        result.Items,
		UpdatedUnits: result.UpdatedUnits,
	}
	if resp.Items == nil {
		resp.Items = []domain.SaleReturnItem{}
	}

	var partial *returns.PartialReturnError
	switch {
	case errors.As(err, &partial):
		s.logAudit(ctx, tenant.BranchID, "sale_return_partial", "sale_return", partial.ReturnID,
			fmt.Sprintf("sale=%s,number=%s,stage=%s,units=%d", sale.ID, partial.ReturnNumber, partial.Stage, partial.UpdatedUnits))
		return resp, err
	case err != nil:
		return domain.ProcessReturnResponse{}, err
	}

	s.logAudit(ctx, tenant.BranchID, "sale_return_process", "sale_return", result.Return.ID,
		fmt.Sprintf("sale=%s,number=%s,units=%d,refund=%s", sale.ID, result.Return.ReturnNumber, result.UpdatedUnits, result.Return.TotalRefund))
	return resp, nil
}

func (s *Service) loadSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrInvalidInput)
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	if branchID == "" {
		branchID = s.defaults.BranchID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(context.WithoutCancel(ctx), domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}
