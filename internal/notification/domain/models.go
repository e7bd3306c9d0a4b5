package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EventType string

const (
	EventReportCreated  EventType = "report_created"
	EventReportApproved EventType = "report_approved"
	EventReportRejected EventType = "report_rejected"
	EventReportsPaid    EventType = "reports_paid"
)

// Audience selects who reads a notification. Reviewer notifications are
// stored once under AudienceMaster rather than fanned out per account.
type Audience string

const (
	AudienceMaster Audience = "master"
	AudienceBroker Audience = "broker"
)

type Notification struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	EventType     EventType     `gorm:"type:text;not null" json:"event_type"`
	Audience      Audience      `gorm:"type:text;not null;index" json:"audience"`
	BrokerID      *snowflake.ID `gorm:"index" json:"broker_id,omitempty"`
	ReportID      *snowflake.ID `json:"report_id,omitempty"`
	Title         string        `gorm:"type:text;not null" json:"title"`
	Message       string        `gorm:"type:text;not null" json:"message"`
	CorrelationID string        `gorm:"type:text" json:"correlation_id,omitempty"`
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }

// Event is what the state machine emits. Delivery is asynchronous.
type Event struct {
	Type     EventType
	Audience Audience
	BrokerID *snowflake.ID
	ReportID *snowflake.ID
	// RecipientEmail, when set, also receives the message by email.
	RecipientEmail string
	Title          string
	Message        string
}

type ListFilter struct {
	Audience Audience
	BrokerID *snowflake.ID
	Limit    int
}
