package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Repository is the record store consumed by the state machine. Every method
// is a single write or read; multi-step atomicity is the caller's saga.
type Repository interface {
	FindPendingItems(ctx context.Context, ids []snowflake.ID) ([]PendingItem, error)
	InsertPendingItems(ctx context.Context, items []PendingItem) error
	DeletePendingItems(ctx context.Context, ids []snowflake.ID) error
	UpdatePendingItems(ctx context.Context, ids []snowflake.ID, update PendingItemUpdate) error

	FindRawItems(ctx context.Context, ids []snowflake.ID) ([]RawItem, error)
	UpdateRawItemsBroker(ctx context.Context, ids []snowflake.ID, brokerID *snowflake.ID) error

	InsertReport(ctx context.Context, report *AdjustmentReport) error
	FindReport(ctx context.Context, id snowflake.ID) (*AdjustmentReport, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]AdjustmentReport, error)
	// UpdateReport applies update only when the stored version equals
	// expectedVersion, and bumps the version. It returns
	// ErrConcurrentModification otherwise.
	UpdateReport(ctx context.Context, id snowflake.ID, expectedVersion int64, update ReportUpdate) error
	// DeleteReport removes a report and its item rows, version-checked.
	DeleteReport(ctx context.Context, id snowflake.ID, expectedVersion int64) error
	// DeleteReports removes reports and their item rows unconditionally.
	DeleteReports(ctx context.Context, ids []snowflake.ID) error

	InsertReportItems(ctx context.Context, items []AdjustmentReportItem) error
	ListReportItems(ctx context.Context, reportIDs []snowflake.ID) ([]AdjustmentReportItem, error)
	// FindMemberships returns report item rows referencing any of the pending items.
	FindMemberships(ctx context.Context, pendingItemIDs []snowflake.ID) ([]AdjustmentReportItem, error)
	DeleteReportItems(ctx context.Context, reportID snowflake.ID, pendingItemIDs []snowflake.ID) error
	UpdateReportItem(ctx context.Context, reportID, itemID snowflake.ID, overridePercent decimal.NullDecimal, brokerCommission decimal.Decimal) error
	ReparentReportItems(ctx context.Context, fromReportIDs []snowflake.ID, toReportID snowflake.ID) error

	FindBroker(ctx context.Context, id snowflake.ID) (*Broker, error)
	FindBrokers(ctx context.Context, ids []snowflake.ID) ([]Broker, error)
}
