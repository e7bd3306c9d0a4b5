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
	"github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/adjustment/repository"
	"github.com/smallbiznis/brokerpay/internal/adjustment/service"
	"github.com/smallbiznis/brokerpay/internal/authcontext"
	"github.com/smallbiznis/brokerpay/internal/authorization"
	"github.com/smallbiznis/brokerpay/internal/clock"
	"github.com/smallbiznis/brokerpay/internal/commission"
	"github.com/smallbiznis/brokerpay/internal/config"
	"github.com/smallbiznis/brokerpay/internal/lock"
	notificationdomain "github.com/smallbiznis/brokerpay/internal/notification/domain"
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

func (s *recordingSink) last(t *testing.T) notificationdomain.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.events)
	return s.events[len(s.events)-1]
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// faultyRepo fails the named repository calls with the configured error.
type faultyRepo struct {
	domain.Repository
	mu       sync.Mutex
	failures map[string]error
}

func (f *faultyRepo) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

func (f *faultyRepo) fault(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[op]
}

func (f *faultyRepo) InsertReportItems(ctx context.Context, items []domain.AdjustmentReportItem) error {
	if err := f.fault("InsertReportItems"); err != nil {
		return err
	}
	return f.Repository.InsertReportItems(ctx, items)
}

func (f *faultyRepo) UpdatePendingItems(ctx context.Context, ids []snowflake.ID, update domain.PendingItemUpdate) error {
	if err := f.fault("UpdatePendingItems"); err != nil {
		return err
	}
	return f.Repository.UpdatePendingItems(ctx, ids, update)
}

func (f *faultyRepo) UpdateReport(ctx context.Context, id snowflake.ID, expectedVersion int64, update domain.ReportUpdate) error {
	if err := f.fault("UpdateReport"); err != nil {
		return err
	}
	return f.Repository.UpdateReport(ctx, id, expectedVersion, update)
}

func (f *faultyRepo) DeleteReport(ctx context.Context, id snowflake.ID, expectedVersion int64) error {
	if err := f.fault("DeleteReport"); err != nil {
		return err
	}
	return f.Repository.DeleteReport(ctx, id, expectedVersion)
}

func (f *faultyRepo) ReparentReportItems(ctx context.Context, fromReportIDs []snowflake.ID, toReportID snowflake.ID) error {
	if err := f.fault("ReparentReportItems"); err != nil {
		return err
	}
	return f.Repository.ReparentReportItems(ctx, fromReportIDs, toReportID)
}

type harness struct {
	db     *gorm.DB
	repo   domain.Repository
	faults *faultyRepo
	svc    domain.Service
	node   *snowflake.Node
	clock  *clock.FakeClock
	sink   *recordingSink
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
		&domain.RawItem{},
		&domain.PendingItem{},
		&domain.AdjustmentReport{},
		&domain.AdjustmentReportItem{},
		&domain.Broker{},
	))
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	enforcer, err := authorization.NewEnforcer()
	require.NoError(t, err)

	repo := repository.NewRepository(db)
	faults := &faultyRepo{Repository: repo, failures: map[string]error{}}
	fakeClock := clock.NewFakeClock(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &recordingSink{}

	svc := service.New(service.Params{
		Log:        zap.NewNop(),
		Repo:       faults,
		GenID:      node,
		Clock:      fakeClock,
		Calculator: commission.NewCalculator(config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())),
		Locker:     lock.NewLocal(),
		Authz:      authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		Notifier:   sink,
	})

	return &harness{db: db, repo: repo, faults: faults, svc: svc, node: node, clock: fakeClock, sink: sink}
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func masterCtx() context.Context {
	return authcontext.WithActor(context.Background(), authcontext.Actor{UserID: "admin-1", Role: authcontext.RoleMaster})
}

func brokerCtx(brokerID snowflake.ID) context.Context {
	id := brokerID
	return authcontext.WithActor(context.Background(), authcontext.Actor{UserID: "broker-user-" + id.String(), Role: authcontext.RoleBroker, BrokerID: &id})
}

func (h *harness) broker(t *testing.T, name string) domain.Broker {
	t.Helper()
	b := domain.Broker{
		ID:             h.node.Generate(),
		Name:           name,
		Email:          name + "@example.com",
		PercentDefault: decimal.NewNullDecimal(d("0.5")),
		CreatedAt:      h.clock.Now(),
	}
	require.NoError(t, h.db.Create(&b).Error)
	return b
}

func (h *harness) rawItem(t *testing.T, amount string) domain.RawItem {
	t.Helper()
	r := domain.RawItem{
		ID:            h.node.Generate(),
		PolicyNumber:  "POL-" + amount,
		InsuredName:   "Insured " + amount,
		CommissionRaw: d(amount),
		InsurerID:     1,
		CreatedAt:     h.clock.Now(),
	}
	require.NoError(t, h.db.Create(&r).Error)
	return r
}

func (h *harness) pendingItem(t *testing.T, amount string) domain.PendingItem {
	t.Helper()
	p := domain.PendingItem{
		ID:            h.node.Generate(),
		PolicyNumber:  "PEN-" + amount,
		InsuredName:   "Pending " + amount,
		CommissionRaw: d(amount),
		InsurerID:     1,
		Status:        domain.PendingItemStatusOpen,
		CreatedAt:     h.clock.Now(),
		UpdatedAt:     h.clock.Now(),
	}
	require.NoError(t, h.db.Create(&p).Error)
	return p
}

// report submits a pending report for owner as the owning broker.
func (h *harness) report(t *testing.T, owner domain.Broker, items ...domain.PendingItem) *domain.ReportResponse {
	t.Helper()
	ids := make([]snowflake.ID, 0, len(items))
	for _, p := range items {
		ids = append(ids, p.ID)
	}
	resp, err := h.svc.Create(brokerCtx(owner.ID), domain.CreateRequest{ItemIDs: ids})
	require.NoError(t, err)
	return resp
}

func (h *harness) storedReport(t *testing.T, id snowflake.ID) *domain.AdjustmentReport {
	t.Helper()
	r, err := h.repo.FindReport(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) storedItems(t *testing.T, reportID snowflake.ID) []domain.AdjustmentReportItem {
	t.Helper()
	items, err := h.repo.ListReportItems(context.Background(), []snowflake.ID{reportID})
	require.NoError(t, err)
	return items
}

func (h *harness) storedPending(t *testing.T, id snowflake.ID) domain.PendingItem {
	t.Helper()
	items, err := h.repo.FindPendingItems(context.Background(), []snowflake.ID{id})
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func (h *harness) requireTotalMatchesItems(t *testing.T, reportID snowflake.ID) {
	t.Helper()
	report := h.storedReport(t, reportID)
	require.NotNil(t, report)
	sum := decimal.Zero
	for _, item := range h.storedItems(t, reportID) {
		sum = sum.Add(item.BrokerCommission)
	}
	require.Truef(t, sum.Equal(report.TotalAmount), "report %s total %s != items %s", reportID, report.TotalAmount, sum)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s", want, got)
}
