package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PendingItemStatus tracks a line item in the pending pool.
type PendingItemStatus string

const (
	PendingItemStatusOpen     PendingItemStatus = "open"
	PendingItemStatusInReview PendingItemStatus = "in_review"
	PendingItemStatusAssigned PendingItemStatus = "assigned"
)

// ReportStatus is the lifecycle state of an adjustment report.
// Rejected reports are deleted, so "rejected" never appears in storage.
type ReportStatus string

const (
	ReportStatusPending  ReportStatus = "pending"
	ReportStatusApproved ReportStatus = "approved"
	ReportStatusRejected ReportStatus = "rejected"
	ReportStatusPaid     ReportStatus = "paid"
)

type PaymentMode string

const (
	PaymentModeImmediate PaymentMode = "immediate"
	PaymentModeScheduled PaymentMode = "scheduled"
)

func (m PaymentMode) Valid() bool {
	return m == PaymentModeImmediate || m == PaymentModeScheduled
}

// RawItem is an imported commission line with no broker assigned yet.
type RawItem struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	PolicyNumber  string          `gorm:"type:text;not null"`
	InsuredName   string          `gorm:"type:text;not null"`
	CommissionRaw decimal.Decimal `gorm:"column:commission_raw;type:numeric(18,6);not null"`
	InsurerID     snowflake.ID    `gorm:"not null;index"`
	FortnightID   *snowflake.ID   `gorm:"index"`
	BrokerID      *snowflake.ID   `gorm:"index"`
	CreatedAt     time.Time       `gorm:"not null"`
}

func (RawItem) TableName() string { return "comm_items" }

// PendingItem is a line item awaiting or under broker assignment.
type PendingItem struct {
	ID               snowflake.ID      `gorm:"primaryKey"`
	PolicyNumber     string            `gorm:"type:text;not null"`
	InsuredName      string            `gorm:"type:text;not null"`
	CommissionRaw    decimal.Decimal   `gorm:"column:commission_raw;type:numeric(18,6);not null"`
	InsurerID        snowflake.ID      `gorm:"not null;index"`
	FortnightID      *snowflake.ID     `gorm:"index"`
	Status           PendingItemStatus `gorm:"type:text;not null;index"`
	AssignedBrokerID *snowflake.ID     `gorm:"index"`
	AssignedAt       *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (PendingItem) TableName() string { return "pending_items" }

// AdjustmentReport groups line items a broker claims.
type AdjustmentReport struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	BrokerID    snowflake.ID    `gorm:"not null;index"`
	Status      ReportStatus    `gorm:"type:text;not null;index"`
	TotalAmount decimal.Decimal `gorm:"type:numeric(18,6);not null"`
	BrokerNotes *string         `gorm:"type:text"`
	AdminNotes  *string         `gorm:"type:text"`
	PaymentMode PaymentMode     `gorm:"type:text;not null"`
	ReviewedAt  *time.Time
	ReviewedBy  *string `gorm:"type:text"`
	PaidDate    *time.Time
	// Version guards concurrent writers; every mutation increments it.
	Version   int64     `gorm:"not null;default:1"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AdjustmentReport) TableName() string { return "adjustment_reports" }

// AdjustmentReportItem is one line item's membership in a report.
type AdjustmentReportItem struct {
	ID               snowflake.ID        `gorm:"primaryKey"`
	ReportID         snowflake.ID        `gorm:"not null;index"`
	PendingItemID    snowflake.ID        `gorm:"not null;uniqueIndex"`
	CommissionRaw    decimal.Decimal     `gorm:"column:commission_raw;type:numeric(18,6);not null"`
	BrokerCommission decimal.Decimal     `gorm:"type:numeric(18,6);not null"`
	OverridePercent  decimal.NullDecimal `gorm:"type:numeric(9,6)"`
	CreatedAt        time.Time           `gorm:"not null"`
}

func (AdjustmentReportItem) TableName() string { return "adjustment_report_items" }

// Broker owns reports and receives settlements.
type Broker struct {
	ID              snowflake.ID        `gorm:"primaryKey"`
	Name            string              `gorm:"type:text;not null"`
	Email           string              `gorm:"type:text"`
	PercentDefault  decimal.NullDecimal `gorm:"type:numeric(9,6)"`
	BankRouteCode   string              `gorm:"type:text"`
	AccountNumber   string              `gorm:"type:text"`
	AccountTypeCode string              `gorm:"type:text"`
	BeneficiaryName string              `gorm:"type:text"`
	UserID          *string             `gorm:"type:text;index"`
	CreatedAt       time.Time           `gorm:"not null"`
}

func (Broker) TableName() string { return "brokers" }

// PendingItemUpdate is the assignment state written to a set of pending items.
type PendingItemUpdate struct {
	Status           PendingItemStatus
	AssignedBrokerID *snowflake.ID
	AssignedAt       *time.Time
	UpdatedAt        time.Time
}

// ReportUpdate lists the report columns an operation rewrites.
// Nil fields are left untouched.
type ReportUpdate struct {
	Status      *ReportStatus
	TotalAmount *decimal.Decimal
	AdminNotes  *string
	ReviewedAt  *time.Time
	ReviewedBy  *string
	PaidDate    *time.Time
	UpdatedAt   time.Time
}

type ReportFilter struct {
	BrokerID    *snowflake.ID
	Status      *ReportStatus
	PaymentMode *PaymentMode
	IDs         []snowflake.ID
}

// ReportLockKey names the lock serializing writers of one report.
func ReportLockKey(id snowflake.ID) string {
	return "adjustment_report:" + id.String()
}
