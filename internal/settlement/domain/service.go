package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/brokerpay/internal/ach"
)

type Service interface {
	// GenerateACH encodes every approved, immediate-payment report into one
	// batch, one line per broker.
	GenerateACH(ctx context.Context, req GenerateRequest) (*Batch, error)
	// MarkPaid moves approved reports to paid.
	MarkPaid(ctx context.Context, req MarkPaidRequest) (*MarkPaidResult, error)
}

type GenerateRequest struct {
	// ReportIDs restricts the batch; empty means every eligible report.
	ReportIDs []snowflake.ID `json:"report_ids,omitempty" validate:"dive,required"`
	// ReferenceText replaces the configured reference template.
	ReferenceText *string `json:"reference_text,omitempty" validate:"omitempty,max=200"`
}

type Batch struct {
	ach.Result
	FileName      string         `json:"file_name"`
	ReferenceText string         `json:"reference_text"`
	ReportIDs     []snowflake.ID `json:"report_ids"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

type MarkPaidRequest struct {
	ReportIDs []snowflake.ID `json:"report_ids" validate:"required,min=1,dive,required"`
	// PaidDate defaults to now.
	PaidDate *time.Time `json:"paid_date,omitempty"`
}

type MarkPaidFailure struct {
	ReportID snowflake.ID `json:"report_id"`
	Error    string       `json:"error"`
}

type MarkPaidResult struct {
	Paid   []snowflake.ID    `json:"paid"`
	Failed []MarkPaidFailure `json:"failed"`
}
