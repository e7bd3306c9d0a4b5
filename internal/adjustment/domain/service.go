package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*ReportResponse, error)
	Approve(ctx context.Context, req ApproveRequest) (*ReportResponse, error)
	Reject(ctx context.Context, req RejectRequest) error
	Edit(ctx context.Context, req EditRequest) (*ReportResponse, error)
	UpdateOverridePercent(ctx context.Context, req OverrideRequest) (*OverrideResponse, error)
	Unify(ctx context.Context, req UnifyRequest) (*ReportResponse, error)
	Query(ctx context.Context, req QueryRequest) ([]ReportResponse, error)
	Get(ctx context.Context, reportID snowflake.ID) (*ReportResponse, error)
}

type CreateRequest struct {
	ItemIDs     []snowflake.ID `json:"item_ids" validate:"required,min=1,dive,required"`
	Notes       *string        `json:"notes,omitempty"`
	PaymentMode PaymentMode    `json:"payment_mode,omitempty"`
	// TargetBrokerID is set by reviewers creating a report on a broker's behalf.
	TargetBrokerID *snowflake.ID `json:"target_broker_id,omitempty"`
}

type ApproveRequest struct {
	ReportID   snowflake.ID `json:"report_id" validate:"required"`
	AdminNotes *string      `json:"admin_notes,omitempty"`
}

type RejectRequest struct {
	ReportID snowflake.ID `json:"report_id" validate:"required"`
	Reason   string       `json:"reason" validate:"required"`
}

type EditRequest struct {
	ReportID snowflake.ID   `json:"report_id" validate:"required"`
	Add      []snowflake.ID `json:"add,omitempty" validate:"dive,required"`
	Remove   []snowflake.ID `json:"remove,omitempty" validate:"dive,required"`
}

type OverrideUpdate struct {
	ItemID          snowflake.ID    `json:"item_id" validate:"required"`
	OverridePercent decimal.Decimal `json:"override_percent"`
	// BrokerCommission, when absent, is derived from the item's raw amount.
	BrokerCommission decimal.NullDecimal `json:"broker_commission"`
}

type OverrideRequest struct {
	ReportID snowflake.ID     `json:"report_id" validate:"required"`
	Updates  []OverrideUpdate `json:"updates" validate:"required,min=1,dive"`
}

type OverrideFailure struct {
	ItemID snowflake.ID `json:"item_id"`
	Error  string       `json:"error"`
}

type OverrideResponse struct {
	Report  ReportResponse    `json:"report"`
	Applied []snowflake.ID    `json:"applied"`
	Failed  []OverrideFailure `json:"failed"`
}

type UnifyRequest struct {
	ReportIDs []snowflake.ID `json:"report_ids" validate:"required,dive,required"`
}

type QueryRequest struct {
	Status *ReportStatus `json:"status,omitempty"`
}

type ReportItemResponse struct {
	ID               snowflake.ID        `json:"id"`
	PendingItemID    snowflake.ID        `json:"pending_item_id"`
	PolicyNumber     string              `json:"policy_number,omitempty"`
	InsuredName      string              `json:"insured_name,omitempty"`
	CommissionRaw    decimal.Decimal     `json:"commission_raw"`
	BrokerCommission decimal.Decimal     `json:"broker_commission"`
	OverridePercent  decimal.NullDecimal `json:"override_percent"`
}

type ReportResponse struct {
	ID          snowflake.ID         `json:"id"`
	BrokerID    snowflake.ID         `json:"broker_id"`
	BrokerName  string               `json:"broker_name,omitempty"`
	Status      ReportStatus         `json:"status"`
	TotalAmount decimal.Decimal      `json:"total_amount"`
	ItemCount   int                  `json:"item_count"`
	BrokerNotes *string              `json:"broker_notes,omitempty"`
	AdminNotes  *string              `json:"admin_notes,omitempty"`
	PaymentMode PaymentMode          `json:"payment_mode"`
	CreatedAt   time.Time            `json:"created_at"`
	ReviewedAt  *time.Time           `json:"reviewed_at,omitempty"`
	ReviewedBy  *string              `json:"reviewed_by,omitempty"`
	PaidDate    *time.Time           `json:"paid_date,omitempty"`
	Items       []ReportItemResponse `json:"items"`
}
