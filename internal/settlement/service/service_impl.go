package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/brokerpay/internal/ach"
	adjustmentdomain "github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/authcontext"
	"github.com/smallbiznis/brokerpay/internal/authorization"
	"github.com/smallbiznis/brokerpay/internal/clock"
	"github.com/smallbiznis/brokerpay/internal/commission"
	"github.com/smallbiznis/brokerpay/internal/config"
	"github.com/smallbiznis/brokerpay/internal/lock"
	notificationdomain "github.com/smallbiznis/brokerpay/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/brokerpay/internal/observability/metrics"
	"github.com/smallbiznis/brokerpay/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Repo     adjustmentdomain.Repository
	Encoder  *ach.Encoder
	Settings *config.SettlementConfigHolder
	Clock    clock.Clock
	Locker   lock.Locker
	Authz    authorization.Service
	Notifier notificationdomain.Sink
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	repo     adjustmentdomain.Repository
	encoder  *ach.Encoder
	settings *config.SettlementConfigHolder
	clock    clock.Clock
	locker   lock.Locker
	authz    authorization.Service
	notifier notificationdomain.Sink
	metrics  *obsmetrics.Metrics
	validate *validator.Validate
}

func New(p Params) domain.Service {
	return &Service{
		log:      p.Log.Named("settlement.service"),
		repo:     p.Repo,
		encoder:  p.Encoder,
		settings: p.Settings,
		clock:    p.Clock,
		locker:   p.Locker,
		authz:    p.Authz,
		notifier: p.Notifier,
		metrics:  p.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Service) GenerateACH(ctx context.Context, req domain.GenerateRequest) (*domain.Batch, error) {
	if err := s.authorize(ctx, authorization.ActionSettlementGenerate); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", adjustmentdomain.ErrValidationFailed, err)
	}

	approved := adjustmentdomain.ReportStatusApproved
	immediate := adjustmentdomain.PaymentModeImmediate
	reports, err := s.repo.ListReports(ctx, adjustmentdomain.ReportFilter{
		Status:      &approved,
		PaymentMode: &immediate,
		IDs:         req.ReportIDs,
	})
	if err != nil {
		return nil, adjustmentdomain.Persistence("list_reports", err)
	}

	reportIDs := make([]snowflake.ID, 0, len(reports))
	for _, r := range reports {
		reportIDs = append(reportIDs, r.ID)
	}
	items, err := s.repo.ListReportItems(ctx, reportIDs)
	if err != nil {
		return nil, adjustmentdomain.Persistence("list_report_items", err)
	}
	byReport := make(map[snowflake.ID][]decimal.Decimal, len(reports))
	for _, item := range items {
		byReport[item.ReportID] = append(byReport[item.ReportID], item.BrokerCommission)
	}

	amounts := make([]commission.ReportAmount, 0, len(reports))
	for _, r := range reports {
		amounts = append(amounts, commission.ReportAmount{
			BrokerID: r.BrokerID,
			Total:    commission.RecomputeTotal(byReport[r.ID]),
		})
	}
	net := commission.NetPayable(amounts)

	brokerIDs := make([]snowflake.ID, 0, len(net))
	for id := range net {
		brokerIDs = append(brokerIDs, id)
	}
	sort.Slice(brokerIDs, func(i, j int) bool { return brokerIDs[i] < brokerIDs[j] })
	brokers, err := s.repo.FindBrokers(ctx, brokerIDs)
	if err != nil {
		return nil, adjustmentdomain.Persistence("find_brokers", err)
	}
	byBroker := make(map[snowflake.ID]adjustmentdomain.Broker, len(brokers))
	for _, b := range brokers {
		byBroker[b.ID] = b
	}

	candidates := make([]ach.Candidate, 0, len(brokerIDs))
	for _, id := range brokerIDs {
		b, ok := byBroker[id]
		if !ok {
			s.log.Warn("settlement broker missing", zap.String("broker_id", id.String()))
			b = adjustmentdomain.Broker{ID: id}
		}
		candidates = append(candidates, ach.Candidate{
			BrokerID:        id,
			BrokerName:      b.Name,
			BeneficiaryName: b.BeneficiaryName,
			RouteCode:       b.BankRouteCode,
			AccountNumber:   b.AccountNumber,
			AccountTypeCode: b.AccountTypeCode,
			Amount:          net[id],
		})
	}

	now := s.clock.Now()
	reference := ach.FormatReferenceText(s.settings.Get().ReferenceTemplate, now)
	if req.ReferenceText != nil {
		reference = *req.ReferenceText
	}

	result := s.encoder.Encode(candidates, reference)
	s.metrics.RecordACHRecords(ctx, "emitted", result.ValidCount)
	s.metrics.RecordACHRecords(ctx, "invalid", len(result.Errors))

	s.log.Info("ach batch generated",
		zap.Int("reports", len(reports)),
		zap.Int("candidates", len(candidates)),
		zap.Int("valid", result.ValidCount),
		zap.Int("invalid", len(result.Errors)),
		zap.String("total", result.TotalAmount.StringFixed(2)),
	)

	return &domain.Batch{
		Result:        result,
		FileName:      fmt.Sprintf("ACH_%s.txt", now.Format("20060102")),
		ReferenceText: reference,
		ReportIDs:     reportIDs,
		GeneratedAt:   now,
	}, nil
}

func (s *Service) MarkPaid(ctx context.Context, req domain.MarkPaidRequest) (*domain.MarkPaidResult, error) {
	if err := s.authorize(ctx, authorization.ActionSettlementMarkPaid); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", adjustmentdomain.ErrValidationFailed, err)
	}

	now := s.clock.Now()
	paidDate := now
	if req.PaidDate != nil {
		paidDate = req.PaidDate.UTC()
	}

	out := &domain.MarkPaidResult{Paid: []snowflake.ID{}, Failed: []domain.MarkPaidFailure{}}
	paidPerBroker := map[snowflake.ID]int{}
	seen := map[snowflake.ID]struct{}{}
	for _, id := range req.ReportIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		brokerID, err := s.markOne(ctx, id, paidDate, now)
		if err != nil {
			s.log.Warn("mark paid failed", zap.String("report_id", id.String()), zap.Error(err))
			out.Failed = append(out.Failed, domain.MarkPaidFailure{ReportID: id, Error: err.Error()})
			continue
		}
		out.Paid = append(out.Paid, id)
		paidPerBroker[brokerID]++
	}

	s.metrics.RecordReportsPaid(ctx, len(out.Paid))
	for brokerID, count := range paidPerBroker {
		owner := brokerID
		s.notifier.Enqueue(ctx, notificationdomain.Event{
			Type:     notificationdomain.EventReportsPaid,
			Audience: notificationdomain.AudienceBroker,
			BrokerID: &owner,
			Title:    "Adjustment payment sent",
			Message:  fmt.Sprintf("%d adjustment reports were paid on %s", count, paidDate.Format("2006-01-02")),
		})
	}
	return out, nil
}

func (s *Service) markOne(ctx context.Context, id snowflake.ID, paidDate, now time.Time) (snowflake.ID, error) {
	release, err := s.locker.Obtain(ctx, adjustmentdomain.ReportLockKey(id))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", adjustmentdomain.ErrConcurrentModification, err)
	}
	defer func() {
		if err := release.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("report lock release failed", zap.Error(err))
		}
	}()

	report, err := s.repo.FindReport(ctx, id)
	if err != nil {
		return 0, adjustmentdomain.Persistence("find_report", err)
	}
	if report == nil {
		return 0, adjustmentdomain.ErrReportNotFound
	}
	if report.Status != adjustmentdomain.ReportStatusApproved {
		return 0, adjustmentdomain.ErrReportNotApproved
	}

	paid := adjustmentdomain.ReportStatusPaid
	if err := s.repo.UpdateReport(ctx, id, report.Version, adjustmentdomain.ReportUpdate{
		Status:    &paid,
		PaidDate:  &paidDate,
		UpdatedAt: now,
	}); err != nil {
		return 0, adjustmentdomain.Persistence("update_report", err)
	}
	return report.BrokerID, nil
}

func (s *Service) authorize(ctx context.Context, action string) error {
	actor, ok := authcontext.ActorFromContext(ctx)
	if !ok {
		return adjustmentdomain.ErrNotAuthenticated
	}
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectSettlement, action); err != nil {
		switch {
		case errors.Is(err, authorization.ErrInvalidActor):
			return adjustmentdomain.ErrNotAuthenticated
		case errors.Is(err, authorization.ErrDenied):
			return adjustmentdomain.ErrNotAuthorized
		default:
			return fmt.Errorf("authorize %s: %w", action, err)
		}
	}
	return nil
}

var _ domain.Service = (*Service)(nil)
