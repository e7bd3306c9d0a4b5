package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/authcontext"
	"github.com/smallbiznis/brokerpay/internal/authorization"
	"github.com/smallbiznis/brokerpay/internal/clock"
	"github.com/smallbiznis/brokerpay/internal/commission"
	"github.com/smallbiznis/brokerpay/internal/lock"
	notificationdomain "github.com/smallbiznis/brokerpay/internal/notification/domain"
	obslogger "github.com/smallbiznis/brokerpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/brokerpay/internal/observability/metrics"
	"github.com/smallbiznis/brokerpay/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Repo       domain.Repository
	GenID      *snowflake.Node
	Clock      clock.Clock
	Calculator *commission.Calculator
	Locker     lock.Locker
	Authz      authorization.Service
	Notifier   notificationdomain.Sink
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	repo       domain.Repository
	genID      *snowflake.Node
	clock      clock.Clock
	calculator *commission.Calculator
	locker     lock.Locker
	authz      authorization.Service
	notifier   notificationdomain.Sink
	metrics    *obsmetrics.Metrics
	validate   *validator.Validate
	tracer     trace.Tracer
}

func New(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("adjustment.service"),
		repo:       p.Repo,
		genID:      p.GenID,
		clock:      p.Clock,
		calculator: p.Calculator,
		locker:     p.Locker,
		authz:      p.Authz,
		notifier:   p.Notifier,
		metrics:    p.Metrics,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		tracer:     otel.Tracer("brokerpay/adjustment"),
	}
}

func (s *Service) Query(ctx context.Context, req domain.QueryRequest) (_ []domain.ReportResponse, err error) {
	ctx, span := s.start(ctx, "query")
	defer func() { s.finish(ctx, span, "query", err) }()

	actor, err := s.authorize(ctx, authorization.ActionAdjustmentView)
	if err != nil {
		return nil, err
	}

	filter := domain.ReportFilter{Status: req.Status}
	if !actor.IsMaster() {
		if actor.BrokerID == nil {
			return nil, domain.ErrMissingBroker
		}
		filter.BrokerID = actor.BrokerID
	}

	reports, err := s.repo.ListReports(ctx, filter)
	if err != nil {
		return nil, domain.Persistence("list_reports", err)
	}
	return s.hydrate(ctx, reports)
}

func (s *Service) Get(ctx context.Context, reportID snowflake.ID) (_ *domain.ReportResponse, err error) {
	ctx, span := s.start(ctx, "get")
	defer func() { s.finish(ctx, span, "get", err) }()

	actor, err := s.authorize(ctx, authorization.ActionAdjustmentView)
	if err != nil {
		return nil, err
	}

	report, err := s.loadReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !actor.IsMaster() && (actor.BrokerID == nil || *actor.BrokerID != report.BrokerID) {
		return nil, domain.ErrReportNotFound
	}

	out, err := s.hydrate(ctx, []domain.AdjustmentReport{*report})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// hydrate attaches live items and broker names, and recomputes every total
// from the items instead of trusting the stored column.
func (s *Service) hydrate(ctx context.Context, reports []domain.AdjustmentReport) ([]domain.ReportResponse, error) {
	out := make([]domain.ReportResponse, 0, len(reports))
	if len(reports) == 0 {
		return out, nil
	}

	reportIDs := make([]snowflake.ID, 0, len(reports))
	brokerIDs := make([]snowflake.ID, 0, len(reports))
	seenBroker := make(map[snowflake.ID]struct{}, len(reports))
	for _, r := range reports {
		reportIDs = append(reportIDs, r.ID)
		if _, ok := seenBroker[r.BrokerID]; !ok {
			seenBroker[r.BrokerID] = struct{}{}
			brokerIDs = append(brokerIDs, r.BrokerID)
		}
	}

	items, err := s.repo.ListReportItems(ctx, reportIDs)
	if err != nil {
		return nil, domain.Persistence("list_report_items", err)
	}
	brokers, err := s.repo.FindBrokers(ctx, brokerIDs)
	if err != nil {
		return nil, domain.Persistence("find_brokers", err)
	}
	pendingIDs := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		pendingIDs = append(pendingIDs, item.PendingItemID)
	}
	pending, err := s.repo.FindPendingItems(ctx, pendingIDs)
	if err != nil {
		return nil, domain.Persistence("find_pending_items", err)
	}

	byReport := make(map[snowflake.ID][]domain.AdjustmentReportItem, len(reports))
	for _, item := range items {
		byReport[item.ReportID] = append(byReport[item.ReportID], item)
	}
	names := make(map[snowflake.ID]string, len(brokers))
	for _, b := range brokers {
		names[b.ID] = b.Name
	}
	pendingByID := indexPending(pending)

	for _, r := range reports {
		members := byReport[r.ID]
		live := totalOf(members)
		if !live.Equal(r.TotalAmount) {
			s.log.Warn("stored report total drifted from items",
				zap.String("report_id", r.ID.String()),
				zap.String("stored", r.TotalAmount.String()),
				zap.String("live", live.String()),
			)
		}
		r.TotalAmount = live
		out = append(out, toResponse(r, members, names[r.BrokerID], pendingByID))
	}
	return out, nil
}

func (s *Service) authorize(ctx context.Context, action string) (authcontext.Actor, error) {
	actor, ok := authcontext.ActorFromContext(ctx)
	if !ok {
		return authcontext.Actor{}, domain.ErrNotAuthenticated
	}
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectAdjustment, action); err != nil {
		switch {
		case errors.Is(err, authorization.ErrInvalidActor):
			return authcontext.Actor{}, domain.ErrNotAuthenticated
		case errors.Is(err, authorization.ErrDenied):
			return authcontext.Actor{}, domain.ErrNotAuthorized
		default:
			return authcontext.Actor{}, fmt.Errorf("authorize %s: %w", action, err)
		}
	}
	return actor, nil
}

func (s *Service) validateRequest(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidationFailed, err)
	}
	return nil
}

func (s *Service) loadReport(ctx context.Context, id snowflake.ID) (*domain.AdjustmentReport, error) {
	report, err := s.repo.FindReport(ctx, id)
	if err != nil {
		return nil, domain.Persistence("find_report", err)
	}
	if report == nil {
		return nil, domain.ErrReportNotFound
	}
	return report, nil
}

func (s *Service) loadPendingReport(ctx context.Context, id snowflake.ID) (*domain.AdjustmentReport, error) {
	report, err := s.loadReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if report.Status != domain.ReportStatusPending {
		return nil, domain.ErrReportNotPending
	}
	return report, nil
}

func (s *Service) loadBroker(ctx context.Context, id snowflake.ID) (*domain.Broker, error) {
	broker, err := s.repo.FindBroker(ctx, id)
	if err != nil {
		return nil, domain.Persistence("find_broker", err)
	}
	if broker == nil {
		return nil, domain.ErrBrokerNotFound
	}
	return broker, nil
}

// withReportLocks holds the per-report locks for fn. Keys are taken in
// ascending id order so concurrent multi-report operations cannot deadlock.
func (s *Service) withReportLocks(ctx context.Context, ids []snowflake.ID, fn func(ctx context.Context) error) error {
	sorted := append([]snowflake.ID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	held := make([]lock.Releaser, 0, len(sorted))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("report lock release failed", zap.Error(err))
			}
		}
	}()

	for _, id := range sorted {
		r, err := s.locker.Obtain(ctx, domain.ReportLockKey(id))
		if err != nil {
			if errors.Is(err, lock.ErrNotObtained) {
				return fmt.Errorf("%w: report %s is locked", domain.ErrConcurrentModification, id)
			}
			return fmt.Errorf("%w: %w", domain.ErrConcurrentModification, err)
		}
		held = append(held, r)
	}
	return fn(ctx)
}

// notify hands an event to the sink. It never fails the caller.
func (s *Service) notify(ctx context.Context, event notificationdomain.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("notification enqueue panicked", zap.Any("panic", r))
		}
	}()
	if s.notifier == nil {
		return
	}
	s.notifier.Enqueue(ctx, event)
}

func (s *Service) start(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "adjustment."+operation,
		trace.WithAttributes(tracing.SafeAttributes(attribute.String("operation", operation))...),
	)
}

func (s *Service) finish(ctx context.Context, span trace.Span, operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, operation+" failed")
		obslogger.WithContext(ctx, s.log).Info("adjustment operation failed",
			zap.String("operation", operation),
			zap.Error(err),
		)
	}
	s.metrics.RecordAdjustmentOperation(ctx, operation, outcome)
	span.End()
}

func indexPending(items []domain.PendingItem) map[snowflake.ID]domain.PendingItem {
	out := make(map[snowflake.ID]domain.PendingItem, len(items))
	for _, item := range items {
		out[item.ID] = item
	}
	return out
}

func totalOf(items []domain.AdjustmentReportItem) decimal.Decimal {
	commissions := make([]decimal.Decimal, 0, len(items))
	for _, item := range items {
		commissions = append(commissions, item.BrokerCommission)
	}
	return commission.RecomputeTotal(commissions)
}

func dedupe(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func toResponse(r domain.AdjustmentReport, items []domain.AdjustmentReportItem, brokerName string, pending map[snowflake.ID]domain.PendingItem) domain.ReportResponse {
	resp := domain.ReportResponse{
		ID:          r.ID,
		BrokerID:    r.BrokerID,
		BrokerName:  brokerName,
		Status:      r.Status,
		TotalAmount: r.TotalAmount,
		ItemCount:   len(items),
		BrokerNotes: r.BrokerNotes,
		AdminNotes:  r.AdminNotes,
		PaymentMode: r.PaymentMode,
		CreatedAt:   r.CreatedAt,
		ReviewedAt:  r.ReviewedAt,
		ReviewedBy:  r.ReviewedBy,
		PaidDate:    r.PaidDate,
		Items:       make([]domain.ReportItemResponse, 0, len(items)),
	}
	for _, item := range items {
		ir := domain.ReportItemResponse{
			ID:               item.ID,
			PendingItemID:    item.PendingItemID,
			CommissionRaw:    item.CommissionRaw,
			BrokerCommission: item.BrokerCommission,
			OverridePercent:  item.OverridePercent,
		}
		if p, ok := pending[item.PendingItemID]; ok {
			ir.PolicyNumber = p.PolicyNumber
			ir.InsuredName = p.InsuredName
		}
		resp.Items = append(resp.Items, ir)
	}
	return resp
}

var _ domain.Service = (*Service)(nil)
