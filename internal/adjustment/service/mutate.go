package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/authorization"
	"github.com/smallbiznis/brokerpay/internal/commission"
	"github.com/smallbiznis/brokerpay/pkg/db"
	"github.com/smallbiznis/brokerpay/pkg/saga"
	"go.uber.org/zap"
)

func (s *Service) Edit(ctx context.Context, req domain.EditRequest) (_ *domain.ReportResponse, err error) {
	ctx, span := s.start(ctx, "edit")
	defer func() { s.finish(ctx, span, "edit", err) }()

	if _, err := s.authorize(ctx, authorization.ActionAdjustmentEdit); err != nil {
		return nil, err
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	addIDs := dedupe(req.Add)
	removeIDs := dedupe(req.Remove)
	removing := make(map[snowflake.ID]struct{}, len(removeIDs))
	for _, id := range removeIDs {
		removing[id] = struct{}{}
	}
	for _, id := range addIDs {
		if _, ok := removing[id]; ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateItemInEdit, id)
		}
	}

	var resp domain.ReportResponse
	err = s.withReportLocks(ctx, []snowflake.ID{req.ReportID}, func(ctx context.Context) error {
		report, err := s.loadPendingReport(ctx, req.ReportID)
		if err != nil {
			return err
		}
		current, err := s.repo.ListReportItems(ctx, []snowflake.ID{report.ID})
		if err != nil {
			return domain.Persistence("list_report_items", err)
		}
		byPending := make(map[snowflake.ID]domain.AdjustmentReportItem, len(current))
		for _, item := range current {
			byPending[item.PendingItemID] = item
		}

		removedRows := make([]domain.AdjustmentReportItem, 0, len(removeIDs))
		for _, id := range removeIDs {
			row, ok := byPending[id]
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrItemNotInReport, id)
			}
			removedRows = append(removedRows, row)
		}
		removedPrior, err := s.repo.FindPendingItems(ctx, removeIDs)
		if err != nil {
			return domain.Persistence("find_pending_items", err)
		}

		added, err := s.repo.FindPendingItems(ctx, addIDs)
		if err != nil {
			return domain.Persistence("find_pending_items", err)
		}
		if len(added) != len(addIDs) {
			found := indexPending(added)
			for _, id := range addIDs {
				if _, ok := found[id]; !ok {
					return fmt.Errorf("%w: %s", domain.ErrItemNotFound, id)
				}
			}
		}
		booked, err := s.repo.FindMemberships(ctx, addIDs)
		if err != nil {
			return domain.Persistence("find_memberships", err)
		}
		if len(booked) > 0 {
			return fmt.Errorf("%w: %s", domain.ErrItemAlreadyBooked, booked[0].PendingItemID)
		}

		broker, err := s.loadBroker(ctx, report.BrokerID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		newRows := make([]domain.AdjustmentReportItem, 0, len(added))
		for _, p := range added {
			newRows = append(newRows, domain.AdjustmentReportItem{
				ID:               s.genID.Generate(),
				ReportID:         report.ID,
				PendingItemID:    p.ID,
				CommissionRaw:    p.CommissionRaw,
				BrokerCommission: s.calculator.ShareFor(p.CommissionRaw, broker.PercentDefault, decimal.NullDecimal{}),
				CreatedAt:        now,
			})
		}

		members := make([]domain.AdjustmentReportItem, 0, len(current)+len(newRows))
		for _, item := range current {
			if _, ok := removing[item.PendingItemID]; !ok {
				members = append(members, item)
			}
		}
		members = append(members, newRows...)
		total := totalOf(members)
		owner := report.BrokerID

		sg := saga.New("adjustment.edit", s.log)
		if len(removedRows) > 0 {
			if err := sg.Do(ctx, "remove_items",
				func(ctx context.Context) error {
					return domain.Persistence("delete_report_items", s.repo.DeleteReportItems(ctx, report.ID, removeIDs))
				},
				func(ctx context.Context) error { return s.repo.InsertReportItems(ctx, removedRows) },
			); err != nil {
				return s.compensated(ctx, "edit", err)
			}
			if err := sg.Do(ctx, "release_removed_items",
				func(ctx context.Context) error {
					return domain.Persistence("update_pending_items", s.repo.UpdatePendingItems(ctx, removeIDs, domain.PendingItemUpdate{
						Status:    domain.PendingItemStatusOpen,
						UpdatedAt: now,
					}))
				},
				func(ctx context.Context) error { return s.restorePending(ctx, removedPrior) },
			); err != nil {
				return s.compensated(ctx, "edit", err)
			}
		}

		if len(newRows) > 0 {
			if err := sg.Do(ctx, "insert_items",
				func(ctx context.Context) error {
					if err := s.repo.InsertReportItems(ctx, newRows); err != nil {
						if db.IsDuplicateKeyErr(err) {
							return domain.ErrItemAlreadyBooked
						}
						return domain.Persistence("insert_report_items", err)
					}
					return nil
				},
				func(ctx context.Context) error { return s.repo.DeleteReportItems(ctx, report.ID, addIDs) },
			); err != nil {
				return s.compensated(ctx, "edit", err)
			}
			if err := sg.Do(ctx, "assign_added_items",
				func(ctx context.Context) error {
					return domain.Persistence("update_pending_items", s.repo.UpdatePendingItems(ctx, addIDs, domain.PendingItemUpdate{
						Status:           domain.PendingItemStatusInReview,
						AssignedBrokerID: &owner,
						UpdatedAt:        now,
					}))
				},
				func(ctx context.Context) error { return s.restorePending(ctx, added) },
			); err != nil {
				return s.compensated(ctx, "edit", err)
			}
		}

		if err := sg.Do(ctx, "update_total",
			func(ctx context.Context) error {
				return domain.Persistence("update_report", s.repo.UpdateReport(ctx, report.ID, report.Version, domain.ReportUpdate{
					TotalAmount: &total,
					UpdatedAt:   now,
				}))
			},
			nil,
		); err != nil {
			return s.compensated(ctx, "edit", err)
		}

		report.TotalAmount = total
		report.Version++
		pendingByID := indexPending(append(append([]domain.PendingItem(nil), added...), removedPrior...))
		if err := s.fillPending(ctx, members, pendingByID); err != nil {
			return err
		}
		resp = toResponse(*report, members, broker.Name, pendingByID)

		s.log.Info("adjustment report edited",
			zap.String("report_id", report.ID.String()),
			zap.Int("added", len(newRows)),
			zap.Int("removed", len(removedRows)),
			zap.String("total", total.String()),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *Service) UpdateOverridePercent(ctx context.Context, req domain.OverrideRequest) (_ *domain.OverrideResponse, err error) {
	ctx, span := s.start(ctx, "override")
	defer func() { s.finish(ctx, span, "override", err) }()

	if _, err := s.authorize(ctx, authorization.ActionAdjustmentOverride); err != nil {
		return nil, err
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	out := &domain.OverrideResponse{
		Applied: []snowflake.ID{},
		Failed:  []domain.OverrideFailure{},
	}
	err = s.withReportLocks(ctx, []snowflake.ID{req.ReportID}, func(ctx context.Context) error {
		report, err := s.loadPendingReport(ctx, req.ReportID)
		if err != nil {
			return err
		}
		items, err := s.repo.ListReportItems(ctx, []snowflake.ID{report.ID})
		if err != nil {
			return domain.Persistence("list_report_items", err)
		}
		position := make(map[snowflake.ID]int, len(items)*2)
		for i, item := range items {
			position[item.ID] = i
		}
		for i, item := range items {
			if _, taken := position[item.PendingItemID]; !taken {
				position[item.PendingItemID] = i
			}
		}

		sg := saga.New("adjustment.override", s.log)
		for _, u := range req.Updates {
			idx, ok := position[u.ItemID]
			if !ok {
				out.Failed = append(out.Failed, domain.OverrideFailure{ItemID: u.ItemID, Error: domain.ErrItemNotInReport.Error()})
				continue
			}
			if u.OverridePercent.IsNegative() || u.OverridePercent.GreaterThan(decimal.NewFromInt(1)) {
				out.Failed = append(out.Failed, domain.OverrideFailure{ItemID: u.ItemID, Error: domain.ErrInvalidOverride.Error()})
				continue
			}

			before := items[idx]
			override := decimal.NewNullDecimal(u.OverridePercent)
			value := commission.BrokerShare(before.CommissionRaw, u.OverridePercent)
			if u.BrokerCommission.Valid {
				value = u.BrokerCommission.Decimal
			}

			if err := s.repo.UpdateReportItem(ctx, report.ID, before.ID, override, value); err != nil {
				s.log.Warn("override update failed",
					zap.String("report_id", report.ID.String()),
					zap.String("item_id", before.ID.String()),
					zap.Error(err),
				)
				out.Failed = append(out.Failed, domain.OverrideFailure{ItemID: u.ItemID, Error: domain.Persistence("update_report_item", err).Error()})
				continue
			}
			sg.Record("override_"+before.ID.String(), func(ctx context.Context) error {
				return s.repo.UpdateReportItem(ctx, report.ID, before.ID, before.OverridePercent, before.BrokerCommission)
			})

			items[idx].OverridePercent = override
			items[idx].BrokerCommission = value
			out.Applied = append(out.Applied, before.ID)
		}

		now := s.clock.Now()
		total := totalOf(items)
		if err := s.repo.UpdateReport(ctx, report.ID, report.Version, domain.ReportUpdate{
			TotalAmount: &total,
			UpdatedAt:   now,
		}); err != nil {
			if cErr := sg.Compensate(ctx); cErr != nil {
				return s.compensated(ctx, "override", errors.Join(domain.Persistence("update_report", err), cErr))
			}
			return s.compensated(ctx, "override", domain.Persistence("update_report", err))
		}

		report.TotalAmount = total
		report.Version++
		broker, err := s.repo.FindBroker(ctx, report.BrokerID)
		if err != nil {
			return domain.Persistence("find_broker", err)
		}
		name := ""
		if broker != nil {
			name = broker.Name
		}
		pendingByID := map[snowflake.ID]domain.PendingItem{}
		if err := s.fillPending(ctx, items, pendingByID); err != nil {
			return err
		}
		out.Report = toResponse(*report, items, name, pendingByID)

		s.log.Info("override percents updated",
			zap.String("report_id", report.ID.String()),
			zap.Int("applied", len(out.Applied)),
			zap.Int("failed", len(out.Failed)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Unify(ctx context.Context, req domain.UnifyRequest) (_ *domain.ReportResponse, err error) {
	ctx, span := s.start(ctx, "unify")
	defer func() { s.finish(ctx, span, "unify", err) }()

	if _, err := s.authorize(ctx, authorization.ActionAdjustmentUnify); err != nil {
		return nil, err
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	ids := dedupe(req.ReportIDs)
	if len(ids) < 2 {
		return nil, domain.ErrUnifyTooFew
	}

	var resp domain.ReportResponse
	err = s.withReportLocks(ctx, ids, func(ctx context.Context) error {
		reports := make([]domain.AdjustmentReport, 0, len(ids))
		for _, id := range ids {
			report, err := s.loadReport(ctx, id)
			if err != nil {
				return err
			}
			reports = append(reports, *report)
		}
		owner := reports[0].BrokerID
		for _, r := range reports[1:] {
			if r.BrokerID != owner {
				return domain.ErrUnifyMixedBrokers
			}
		}
		for _, r := range reports {
			if r.Status != domain.ReportStatusPending {
				return fmt.Errorf("%w: %s", domain.ErrReportNotPending, r.ID)
			}
		}

		items, err := s.repo.ListReportItems(ctx, ids)
		if err != nil {
			return domain.Persistence("list_report_items", err)
		}
		broker, err := s.loadBroker(ctx, owner)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		unified := &domain.AdjustmentReport{
			ID:          s.genID.Generate(),
			BrokerID:    owner,
			Status:      domain.ReportStatusPending,
			TotalAmount: totalOf(items),
			BrokerNotes: mergeNotes(reports),
			PaymentMode: mergePaymentMode(reports),
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		sg := saga.New("adjustment.unify", s.log)
		if err := sg.Do(ctx, "insert_report",
			func(ctx context.Context) error {
				return domain.Persistence("insert_report", s.repo.InsertReport(ctx, unified))
			},
			func(ctx context.Context) error { return s.repo.DeleteReports(ctx, []snowflake.ID{unified.ID}) },
		); err != nil {
			return s.compensated(ctx, "unify", err)
		}
		if err := sg.Do(ctx, "reparent_items",
			func(ctx context.Context) error {
				return domain.Persistence("reparent_report_items", s.repo.ReparentReportItems(ctx, ids, unified.ID))
			},
			nil,
		); err != nil {
			return s.compensated(ctx, "unify", err)
		}

		for _, r := range reports {
			if err := s.repo.DeleteReport(ctx, r.ID, r.Version); err != nil {
				s.log.Warn("source report cleanup failed after unify",
					zap.String("report_id", r.ID.String()),
					zap.String("unified_report_id", unified.ID.String()),
					zap.Error(err),
				)
			}
		}

		for i := range items {
			items[i].ReportID = unified.ID
		}
		pendingByID := map[snowflake.ID]domain.PendingItem{}
		if err := s.fillPending(ctx, items, pendingByID); err != nil {
			return err
		}
		resp = toResponse(*unified, items, broker.Name, pendingByID)

		s.log.Info("adjustment reports unified",
			zap.String("report_id", unified.ID.String()),
			zap.Int("source_reports", len(reports)),
			zap.Int("item_count", len(items)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// fillPending loads pending items missing from known so responses can show
// policy details.
func (s *Service) fillPending(ctx context.Context, items []domain.AdjustmentReportItem, known map[snowflake.ID]domain.PendingItem) error {
	var missing []snowflake.ID
	for _, item := range items {
		if _, ok := known[item.PendingItemID]; !ok {
			missing = append(missing, item.PendingItemID)
		}
	}
	found, err := s.repo.FindPendingItems(ctx, missing)
	if err != nil {
		return domain.Persistence("find_pending_items", err)
	}
	for _, p := range found {
		known[p.ID] = p
	}
	return nil
}

// mergeNotes labels each source report's broker notes and joins them.
func mergeNotes(reports []domain.AdjustmentReport) *string {
	parts := make([]string, 0, len(reports))
	for _, r := range reports {
		if r.BrokerNotes == nil || strings.TrimSpace(*r.BrokerNotes) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[Report %s] %s", r.ID, strings.TrimSpace(*r.BrokerNotes)))
	}
	if len(parts) == 0 {
		return nil
	}
	merged := strings.Join(parts, "\n")
	return &merged
}

// mergePaymentMode keeps scheduled only when every source report is scheduled.
func mergePaymentMode(reports []domain.AdjustmentReport) domain.PaymentMode {
	for _, r := range reports {
		if r.PaymentMode != domain.PaymentModeScheduled {
			return domain.PaymentModeImmediate
		}
	}
	return domain.PaymentModeScheduled
}
