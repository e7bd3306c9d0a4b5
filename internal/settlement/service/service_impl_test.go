package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/brokerpay/internal/ach"
	adjustmentdomain "github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/adjustment/repository"
	"github.com/smallbiznis/brokerpay/internal/authcontext"
	"github.com/smallbiznis/brokerpay/internal/authorization"
	"github.com/smallbiznis/brokerpay/internal/clock"
	"github.com/smallbiznis/brokerpay/internal/config"
	"github.com/smallbiznis/brokerpay/internal/lock"
	notificationdomain "github.com/smallbiznis/brokerpay/internal/notification/domain"
	"github.com/smallbiznis/brokerpay/internal/settlement/domain"
	"github.com/smallbiznis/brokerpay/internal/settlement/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingSink struct {
	mu     sync.Mutex
	events []notificationdomain.Event
}

func (s *recordingSink) Enqueue(_ context.Context, event notificationdomain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

type fixture struct {
	db    *gorm.DB
	svc   domain.Service
	node  *snowflake.Node
	clock *clock.FakeClock
	sink  *recordingSink
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&adjustmentdomain.AdjustmentReport{},
		&adjustmentdomain.AdjustmentReportItem{},
		&adjustmentdomain.Broker{},
	))
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	enforcer, err := authorization.NewEnforcer()
	require.NoError(t, err)

	settings := config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())
	fakeClock := clock.NewFakeClock(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &recordingSink{}

	svc := service.New(service.Params{
		Log:      zap.NewNop(),
		Repo:     repository.NewRepository(db),
		Encoder:  ach.NewEncoder(settings, zap.NewNop()),
		Settings: settings,
		Clock:    fakeClock,
		Locker:   lock.NewLocal(),
		Authz:    authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		Notifier: sink,
	})
	return &fixture{db: db, svc: svc, node: node, clock: fakeClock, sink: sink}
}

func masterCtx() context.Context {
	return authcontext.WithActor(context.Background(), authcontext.Actor{UserID: "admin-1", Role: authcontext.RoleMaster})
}

func (f *fixture) broker(t *testing.T, name, route string) adjustmentdomain.Broker {
	t.Helper()
	b := adjustmentdomain.Broker{
		ID:              f.node.Generate(),
		Name:            name,
		BeneficiaryName: name,
		BankRouteCode:   route,
		AccountNumber:   "0012-3456-78",
		AccountTypeCode: "03",
		CreatedAt:       f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&b).Error)
	return b
}

// report stores a report whose items carry the given broker commissions.
func (f *fixture) report(t *testing.T, owner adjustmentdomain.Broker, status adjustmentdomain.ReportStatus, mode adjustmentdomain.PaymentMode, commissions ...string) adjustmentdomain.AdjustmentReport {
	t.Helper()
	r := adjustmentdomain.AdjustmentReport{
		ID:          f.node.Generate(),
		BrokerID:    owner.ID,
		Status:      status,
		TotalAmount: decimal.Zero,
		PaymentMode: mode,
		Version:     1,
		CreatedAt:   f.clock.Now(),
		UpdatedAt:   f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&r).Error)
	for _, c := range commissions {
		item := adjustmentdomain.AdjustmentReportItem{
			ID:               f.node.Generate(),
			ReportID:         r.ID,
			PendingItemID:    f.node.Generate(),
			CommissionRaw:    decimal.RequireFromString(c).Mul(decimal.NewFromInt(2)),
			BrokerCommission: decimal.RequireFromString(c),
			CreatedAt:        f.clock.Now(),
		}
		require.NoError(t, f.db.Create(&item).Error)
	}
	return r
}

func (f *fixture) stored(t *testing.T, id snowflake.ID) adjustmentdomain.AdjustmentReport {
	t.Helper()
	var r adjustmentdomain.AdjustmentReport
	require.NoError(t, f.db.Where("id = ?", id).First(&r).Error)
	return r
}

func TestGenerateACHNetsPerBroker(t *testing.T) {
	f := newFixture(t)
	acme := f.broker(t, "Acmé Seguros", "0001234")
	zenith := f.broker(t, "Zenith", "55")
	broken := f.broker(t, "Broken Bank", "")

	a1 := f.report(t, acme, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeImmediate, "50.00", "10.005")
	a2 := f.report(t, acme, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeImmediate, "-15.00")
	f.report(t, acme, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeScheduled, "500.00")
	f.report(t, zenith, adjustmentdomain.ReportStatusPending, adjustmentdomain.PaymentModeImmediate, "70.00")
	b1 := f.report(t, broken, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeImmediate, "20.00")

	batch, err := f.svc.GenerateACH(masterCtx(), domain.GenerateRequest{})
	require.NoError(t, err)

	assert.Equal(t, "ACH_20250314.txt", batch.FileName)
	assert.ElementsMatch(t, []snowflake.ID{a1.ID, a2.ID, b1.ID}, batch.ReportIDs)
	require.Len(t, batch.Records, 1)
	record := batch.Records[0]
	assert.Equal(t, acme.ID, record.BrokerID)
	assert.Equal(t, "ACME SEGUROS", record.BeneficiaryName)
	assert.Equal(t, "1234", record.RouteCode)
	assert.Equal(t, "45.01", record.Amount)
	assert.Contains(t, record.Reference, "20250314")
	assert.True(t, decimal.RequireFromString("45.01").Equal(batch.TotalAmount))

	require.Len(t, batch.Errors, 1)
	assert.Equal(t, broken.ID, batch.Errors[0].BrokerID)
	assert.Contains(t, batch.Errors[0].Errors, ach.ErrCodeMissingRoute)
	assert.Contains(t, batch.Content, record.Line())
}

func TestGenerateACHRestrictsToRequestedReports(t *testing.T) {
	f := newFixture(t)
	acme := f.broker(t, "Acme", "1234")
	first := f.report(t, acme, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeImmediate, "30.00")
	f.report(t, acme, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeImmediate, "70.00")

	reference := "BONUS MARZO"
	batch, err := f.svc.GenerateACH(masterCtx(), domain.GenerateRequest{
		ReportIDs:     []snowflake.ID{first.ID},
		ReferenceText: &reference,
	})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "30.00", batch.Records[0].Amount)
	assert.Equal(t, reference, batch.ReferenceText)
}

func TestGenerateACHSkipsNonPositiveNet(t *testing.T) {
	f := newFixture(t)
	acme := f.broker(t, "Acme", "1234")
	f.report(t, acme, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeImmediate, "10.00")
	f.report(t, acme, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeImmediate, "-25.00")

	batch, err := f.svc.GenerateACH(masterCtx(), domain.GenerateRequest{})
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.Empty(t, batch.Errors)
	assert.Empty(t, batch.Content)
}

func TestSettlementRequiresMaster(t *testing.T) {
	f := newFixture(t)
	acme := f.broker(t, "Acme", "1234")
	r := f.report(t, acme, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeImmediate, "10.00")
	ctx := authcontext.WithActor(context.Background(), authcontext.Actor{UserID: "u", Role: authcontext.RoleBroker, BrokerID: &acme.ID})

	_, err := f.svc.GenerateACH(ctx, domain.GenerateRequest{})
	assert.ErrorIs(t, err, adjustmentdomain.ErrNotAuthorized)
	_, err = f.svc.MarkPaid(ctx, domain.MarkPaidRequest{ReportIDs: []snowflake.ID{r.ID}})
	assert.ErrorIs(t, err, adjustmentdomain.ErrNotAuthorized)
	_, err = f.svc.GenerateACH(context.Background(), domain.GenerateRequest{})
	assert.ErrorIs(t, err, adjustmentdomain.ErrNotAuthenticated)

	assert.Equal(t, adjustmentdomain.ReportStatusApproved, f.stored(t, r.ID).Status)
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t)
	acme := f.broker(t, "Acme", "1234")
	zenith := f.broker(t, "Zenith", "5678")
	a1 := f.report(t, acme, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeImmediate, "10.00")
	a2 := f.report(t, acme, adjustmentdomain.ReportStatusApproved, adjustmentdomain.PaymentModeScheduled, "20.00")
	pending := f.report(t, zenith, adjustmentdomain.ReportStatusPending, adjustmentdomain.PaymentModeImmediate, "30.00")
	missing := f.node.Generate()

	paidDate := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
	result, err := f.svc.MarkPaid(masterCtx(), domain.MarkPaidRequest{
		ReportIDs: []snowflake.ID{a1.ID, a2.ID, a1.ID, pending.ID, missing},
		PaidDate:  &paidDate,
	})
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{a1.ID, a2.ID}, result.Paid)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, pending.ID, result.Failed[0].ReportID)
	assert.Equal(t, adjustmentdomain.ErrReportNotApproved.Error(), result.Failed[0].Error)
	assert.Equal(t, missing, result.Failed[1].ReportID)

	for _, id := range []snowflake.ID{a1.ID, a2.ID} {
		r := f.stored(t, id)
		assert.Equal(t, adjustmentdomain.ReportStatusPaid, r.Status)
		assert.Equal(t, int64(2), r.Version)
		require.NotNil(t, r.PaidDate)
		assert.True(t, paidDate.Equal(r.PaidDate.UTC()))
	}
	assert.Equal(t, adjustmentdomain.ReportStatusPending, f.stored(t, pending.ID).Status)

	require.Len(t, f.sink.events, 1)
	event := f.sink.events[0]
	assert.Equal(t, notificationdomain.EventReportsPaid, event.Type)
	require.NotNil(t, event.BrokerID)
	assert.Equal(t, acme.ID, *event.BrokerID)
	assert.Contains(t, event.Message, "2 adjustment reports")
	assert.Contains(t, event.Message, "2025-03-20")

	_, err = f.svc.MarkPaid(masterCtx(), domain.MarkPaidRequest{})
	assert.ErrorIs(t, err, adjustmentdomain.ErrValidationFailed)
}
