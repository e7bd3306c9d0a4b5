package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/authorization"
	notificationdomain "github.com/smallbiznis/brokerpay/internal/notification/domain"
	"github.com/smallbiznis/brokerpay/pkg/db"
	"github.com/smallbiznis/brokerpay/pkg/saga"
	"go.uber.org/zap"
)

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (_ *domain.ReportResponse, err error) {
	ctx, span := s.start(ctx, "create")
	defer func() { s.finish(ctx, span, "create", err) }()

	actor, err := s.authorize(ctx, authorization.ActionAdjustmentCreate)
	if err != nil {
		return nil, err
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	mode := req.PaymentMode
	if mode == "" {
		mode = domain.PaymentModeImmediate
	}
	if !mode.Valid() {
		return nil, domain.ErrInvalidPaymentMode
	}

	var ownerID snowflake.ID
	switch {
	case req.TargetBrokerID != nil:
		if !actor.IsMaster() {
			return nil, domain.ErrNotAuthorized
		}
		ownerID = *req.TargetBrokerID
	case actor.BrokerID != nil:
		ownerID = *actor.BrokerID
	default:
		return nil, domain.ErrMissingBroker
	}
	broker, err := s.loadBroker(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	itemIDs := dedupe(req.ItemIDs)
	if len(itemIDs) == 0 {
		return nil, domain.ErrEmptyItems
	}

	existing, err := s.repo.FindPendingItems(ctx, itemIDs)
	if err != nil {
		return nil, domain.Persistence("find_pending_items", err)
	}
	pendingByID := indexPending(existing)

	var rawOnly []snowflake.ID
	for _, id := range itemIDs {
		if _, ok := pendingByID[id]; !ok {
			rawOnly = append(rawOnly, id)
		}
	}
	raws, err := s.repo.FindRawItems(ctx, rawOnly)
	if err != nil {
		return nil, domain.Persistence("find_raw_items", err)
	}
	if len(raws) != len(rawOnly) {
		found := make(map[snowflake.ID]struct{}, len(raws))
		for _, r := range raws {
			found[r.ID] = struct{}{}
		}
		for _, id := range rawOnly {
			if _, ok := found[id]; !ok {
				return nil, fmt.Errorf("%w: %s", domain.ErrItemNotFound, id)
			}
		}
	}

	if len(existing) > 0 {
		ids := make([]snowflake.ID, 0, len(existing))
		for _, p := range existing {
			ids = append(ids, p.ID)
		}
		booked, err := s.repo.FindMemberships(ctx, ids)
		if err != nil {
			return nil, domain.Persistence("find_memberships", err)
		}
		if len(booked) > 0 {
			return nil, fmt.Errorf("%w: %s", domain.ErrItemAlreadyBooked, booked[0].PendingItemID)
		}
	}

	now := s.clock.Now()
	materialized := make([]domain.PendingItem, 0, len(raws))
	for _, r := range raws {
		p := domain.PendingItem{
			ID:               r.ID,
			PolicyNumber:     r.PolicyNumber,
			InsuredName:      r.InsuredName,
			CommissionRaw:    r.CommissionRaw,
			InsurerID:        r.InsurerID,
			FortnightID:      r.FortnightID,
			Status:           domain.PendingItemStatusInReview,
			AssignedBrokerID: &ownerID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		materialized = append(materialized, p)
		pendingByID[p.ID] = p
	}

	reportID := s.genID.Generate()
	rows := make([]domain.AdjustmentReportItem, 0, len(itemIDs))
	for _, id := range itemIDs {
		p := pendingByID[id]
		rows = append(rows, domain.AdjustmentReportItem{
			ID:               s.genID.Generate(),
			ReportID:         reportID,
			PendingItemID:    p.ID,
			CommissionRaw:    p.CommissionRaw,
			BrokerCommission: s.calculator.ShareFor(p.CommissionRaw, broker.PercentDefault, decimal.NullDecimal{}),
			CreatedAt:        now,
		})
	}

	report := &domain.AdjustmentReport{
		ID:          reportID,
		BrokerID:    ownerID,
		Status:      domain.ReportStatusPending,
		TotalAmount: totalOf(rows),
		BrokerNotes: req.Notes,
		PaymentMode: mode,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	sg := saga.New("adjustment.create", s.log)

	if len(materialized) > 0 {
		matIDs := pendingIDsOf(materialized)
		if err := sg.Do(ctx, "materialize_pending_items",
			func(ctx context.Context) error {
				return domain.Persistence("insert_pending_items", s.repo.InsertPendingItems(ctx, materialized))
			},
			func(ctx context.Context) error { return s.repo.DeletePendingItems(ctx, matIDs) },
		); err != nil {
			return nil, s.compensated(ctx, "create", err)
		}

		if err := sg.Do(ctx, "assign_raw_items",
			func(ctx context.Context) error {
				return domain.Persistence("update_raw_items", s.repo.UpdateRawItemsBroker(ctx, matIDs, &ownerID))
			},
			func(ctx context.Context) error { return s.restoreRawBrokers(ctx, raws) },
		); err != nil {
			return nil, s.compensated(ctx, "create", err)
		}
	}

	if err := sg.Do(ctx, "insert_report",
		func(ctx context.Context) error {
			return domain.Persistence("insert_report", s.repo.InsertReport(ctx, report))
		},
		func(ctx context.Context) error { return s.repo.DeleteReports(ctx, []snowflake.ID{reportID}) },
	); err != nil {
		return nil, s.compensated(ctx, "create", err)
	}

	if err := sg.Do(ctx, "insert_report_items",
		func(ctx context.Context) error {
			if err := s.repo.InsertReportItems(ctx, rows); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return domain.ErrItemAlreadyBooked
				}
				return domain.Persistence("insert_report_items", err)
			}
			return nil
		},
		func(ctx context.Context) error { return s.repo.DeleteReportItems(ctx, reportID, itemIDs) },
	); err != nil {
		return nil, s.compensated(ctx, "create", err)
	}

	if len(existing) > 0 {
		prior := append([]domain.PendingItem(nil), existing...)
		if err := sg.Do(ctx, "mark_items_in_review",
			func(ctx context.Context) error {
				return domain.Persistence("update_pending_items", s.repo.UpdatePendingItems(ctx, pendingIDsOf(prior), domain.PendingItemUpdate{
					Status:           domain.PendingItemStatusInReview,
					AssignedBrokerID: &ownerID,
					UpdatedAt:        now,
				}))
			},
			func(ctx context.Context) error { return s.restorePending(ctx, prior) },
		); err != nil {
			return nil, s.compensated(ctx, "create", err)
		}
	}

	s.log.Info("adjustment report created",
		zap.String("report_id", reportID.String()),
		zap.String("broker_id", ownerID.String()),
		zap.Int("item_count", len(rows)),
		zap.Int("materialized", len(materialized)),
	)

	s.notify(ctx, notificationdomain.Event{
		Type:     notificationdomain.EventReportCreated,
		Audience: notificationdomain.AudienceMaster,
		BrokerID: &ownerID,
		ReportID: &reportID,
		Title:    "New adjustment report",
		Message: fmt.Sprintf("%s submitted %d items for a total of %s",
			broker.Name, len(rows), report.TotalAmount.StringFixed(2)),
	})

	resp := toResponse(*report, rows, broker.Name, pendingByID)
	return &resp, nil
}

func (s *Service) Approve(ctx context.Context, req domain.ApproveRequest) (_ *domain.ReportResponse, err error) {
	ctx, span := s.start(ctx, "approve")
	defer func() { s.finish(ctx, span, "approve", err) }()

	actor, err := s.authorize(ctx, authorization.ActionAdjustmentApprove)
	if err != nil {
		return nil, err
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	var resp domain.ReportResponse
	var broker *domain.Broker
	err = s.withReportLocks(ctx, []snowflake.ID{req.ReportID}, func(ctx context.Context) error {
		report, err := s.loadPendingReport(ctx, req.ReportID)
		if err != nil {
			return err
		}
		items, err := s.repo.ListReportItems(ctx, []snowflake.ID{report.ID})
		if err != nil {
			return domain.Persistence("list_report_items", err)
		}
		pendingIDs := memberIDs(items)
		prior, err := s.repo.FindPendingItems(ctx, pendingIDs)
		if err != nil {
			return domain.Persistence("find_pending_items", err)
		}

		now := s.clock.Now()
		total := totalOf(items)
		status := domain.ReportStatusApproved
		reviewer := actor.UserID
		owner := report.BrokerID

		sg := saga.New("adjustment.approve", s.log)
		if err := sg.Do(ctx, "assign_items",
			func(ctx context.Context) error {
				return domain.Persistence("update_pending_items", s.repo.UpdatePendingItems(ctx, pendingIDs, domain.PendingItemUpdate{
					Status:           domain.PendingItemStatusAssigned,
					AssignedBrokerID: &owner,
					AssignedAt:       &now,
					UpdatedAt:        now,
				}))
			},
			func(ctx context.Context) error { return s.restorePending(ctx, prior) },
		); err != nil {
			return s.compensated(ctx, "approve", err)
		}
		if err := sg.Do(ctx, "approve_report",
			func(ctx context.Context) error {
				return domain.Persistence("update_report", s.repo.UpdateReport(ctx, report.ID, report.Version, domain.ReportUpdate{
					Status:      &status,
					TotalAmount: &total,
					AdminNotes:  req.AdminNotes,
					ReviewedAt:  &now,
					ReviewedBy:  &reviewer,
					UpdatedAt:   now,
				}))
			},
			nil,
		); err != nil {
			return s.compensated(ctx, "approve", err)
		}

		report.Status = status
		report.TotalAmount = total
		if req.AdminNotes != nil {
			report.AdminNotes = req.AdminNotes
		}
		report.ReviewedAt = &now
		report.ReviewedBy = &reviewer
		report.Version++

		broker, err = s.repo.FindBroker(ctx, owner)
		if err != nil {
			s.log.Warn("broker lookup after approve failed", zap.String("report_id", report.ID.String()), zap.Error(err))
			broker = nil
		}
		name := ""
		if broker != nil {
			name = broker.Name
		}
		resp = toResponse(*report, items, name, indexPending(prior))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("adjustment report approved",
		zap.String("report_id", resp.ID.String()),
		zap.String("reviewed_by", actor.UserID),
	)

	event := notificationdomain.Event{
		Type:     notificationdomain.EventReportApproved,
		Audience: notificationdomain.AudienceBroker,
		BrokerID: &resp.BrokerID,
		ReportID: &resp.ID,
		Title:    "Adjustment report approved",
		Message: fmt.Sprintf("Your adjustment report with %d items for %s was approved",
			resp.ItemCount, resp.TotalAmount.StringFixed(2)),
	}
	if broker != nil {
		event.RecipientEmail = broker.Email
	}
	s.notify(ctx, event)

	return &resp, nil
}

func (s *Service) Reject(ctx context.Context, req domain.RejectRequest) (err error) {
	ctx, span := s.start(ctx, "reject")
	defer func() { s.finish(ctx, span, "reject", err) }()

	if _, err := s.authorize(ctx, authorization.ActionAdjustmentReject); err != nil {
		return err
	}
	if err := s.validateRequest(req); err != nil {
		return err
	}

	var ownerID snowflake.ID
	var itemCount int
	err = s.withReportLocks(ctx, []snowflake.ID{req.ReportID}, func(ctx context.Context) error {
		report, err := s.loadPendingReport(ctx, req.ReportID)
		if err != nil {
			return err
		}
		ownerID = report.BrokerID

		items, err := s.repo.ListReportItems(ctx, []snowflake.ID{report.ID})
		if err != nil {
			return domain.Persistence("list_report_items", err)
		}
		pendingIDs := memberIDs(items)
		itemCount = len(pendingIDs)
		prior, err := s.repo.FindPendingItems(ctx, pendingIDs)
		if err != nil {
			return domain.Persistence("find_pending_items", err)
		}

		now := s.clock.Now()
		sg := saga.New("adjustment.reject", s.log)
		if err := sg.Do(ctx, "restore_items",
			func(ctx context.Context) error {
				return domain.Persistence("update_pending_items", s.repo.UpdatePendingItems(ctx, pendingIDs, domain.PendingItemUpdate{
					Status:    domain.PendingItemStatusOpen,
					UpdatedAt: now,
				}))
			},
			func(ctx context.Context) error { return s.restorePending(ctx, prior) },
		); err != nil {
			return s.compensated(ctx, "reject", err)
		}
		if err := sg.Do(ctx, "delete_report",
			func(ctx context.Context) error {
				return domain.Persistence("delete_report", s.repo.DeleteReport(ctx, report.ID, report.Version))
			},
			nil,
		); err != nil {
			return s.compensated(ctx, "reject", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("adjustment report rejected",
		zap.String("report_id", req.ReportID.String()),
		zap.Int("item_count", itemCount),
	)

	event := notificationdomain.Event{
		Type:     notificationdomain.EventReportRejected,
		Audience: notificationdomain.AudienceBroker,
		BrokerID: &ownerID,
		Title:    "Adjustment report rejected",
		Message:  fmt.Sprintf("Your adjustment report with %d items was rejected: %s", itemCount, req.Reason),
	}
	if broker, err := s.repo.FindBroker(ctx, ownerID); err == nil && broker != nil {
		event.RecipientEmail = broker.Email
	}
	s.notify(ctx, event)
	return nil
}

// compensated records a failed saga and passes its error through.
func (s *Service) compensated(ctx context.Context, operation string, err error) error {
	s.metrics.RecordCompensation(ctx, operation)
	return err
}

// restorePending writes each item's captured assignment state back.
func (s *Service) restorePending(ctx context.Context, prior []domain.PendingItem) error {
	for _, p := range prior {
		err := s.repo.UpdatePendingItems(ctx, []snowflake.ID{p.ID}, domain.PendingItemUpdate{
			Status:           p.Status,
			AssignedBrokerID: p.AssignedBrokerID,
			AssignedAt:       p.AssignedAt,
			UpdatedAt:        p.UpdatedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// restoreRawBrokers puts back the broker each raw item had before assignment.
func (s *Service) restoreRawBrokers(ctx context.Context, raws []domain.RawItem) error {
	for _, r := range raws {
		if err := s.repo.UpdateRawItemsBroker(ctx, []snowflake.ID{r.ID}, r.BrokerID); err != nil {
			return err
		}
	}
	return nil
}

func pendingIDsOf(items []domain.PendingItem) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(items))
	for _, p := range items {
		out = append(out, p.ID)
	}
	return out
}

func memberIDs(items []domain.AdjustmentReportItem) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		out = append(out, item.PendingItemID)
	}
	return out
}
