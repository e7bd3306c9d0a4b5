package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/brokerpay/internal/ach"
	adjustmentdomain "github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/authcontext"
	"github.com/smallbiznis/brokerpay/internal/authorization"
	notificationdomain "github.com/smallbiznis/brokerpay/internal/notification/domain"
	settlementdomain "github.com/smallbiznis/brokerpay/internal/settlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdjustmentService struct {
	err       error
	lastActor authcontext.Actor
	hasActor  bool
	create    adjustmentdomain.CreateRequest
	approve   adjustmentdomain.ApproveRequest
	query     adjustmentdomain.QueryRequest
}

func (f *fakeAdjustmentService) capture(ctx context.Context) {
	f.lastActor, f.hasActor = authcontext.ActorFromContext(ctx)
}

func (f *fakeAdjustmentService) report(id snowflake.ID) *adjustmentdomain.ReportResponse {
	return &adjustmentdomain.ReportResponse{
		ID:          id,
		BrokerID:    snowflake.ID(7),
		Status:      adjustmentdomain.ReportStatusPending,
		TotalAmount: decimal.RequireFromString("12.5"),
	}
}

func (f *fakeAdjustmentService) Create(ctx context.Context, req adjustmentdomain.CreateRequest) (*adjustmentdomain.ReportResponse, error) {
	f.capture(ctx)
	f.create = req
	if f.err != nil {
		return nil, f.err
	}
	return f.report(snowflake.ID(100)), nil
}

func (f *fakeAdjustmentService) Approve(ctx context.Context, req adjustmentdomain.ApproveRequest) (*adjustmentdomain.ReportResponse, error) {
	f.capture(ctx)
	f.approve = req
	if f.err != nil {
		return nil, f.err
	}
	return f.report(req.ReportID), nil
}

func (f *fakeAdjustmentService) Reject(ctx context.Context, req adjustmentdomain.RejectRequest) error {
	f.capture(ctx)
	return f.err
}

func (f *fakeAdjustmentService) Edit(ctx context.Context, req adjustmentdomain.EditRequest) (*adjustmentdomain.ReportResponse, error) {
	f.capture(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return f.report(req.ReportID), nil
}

func (f *fakeAdjustmentService) UpdateOverridePercent(ctx context.Context, req adjustmentdomain.OverrideRequest) (*adjustmentdomain.OverrideResponse, error) {
	f.capture(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return &adjustmentdomain.OverrideResponse{Report: *f.report(req.ReportID)}, nil
}

func (f *fakeAdjustmentService) Unify(ctx context.Context, req adjustmentdomain.UnifyRequest) (*adjustmentdomain.ReportResponse, error) {
	f.capture(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return f.report(snowflake.ID(200)), nil
}

func (f *fakeAdjustmentService) Query(ctx context.Context, req adjustmentdomain.QueryRequest) ([]adjustmentdomain.ReportResponse, error) {
	f.capture(ctx)
	f.query = req
	if f.err != nil {
		return nil, f.err
	}
	return []adjustmentdomain.ReportResponse{*f.report(snowflake.ID(100))}, nil
}

func (f *fakeAdjustmentService) Get(ctx context.Context, reportID snowflake.ID) (*adjustmentdomain.ReportResponse, error) {
	f.capture(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return f.report(reportID), nil
}

type fakeSettlementService struct {
	generate settlementdomain.GenerateRequest
	markPaid settlementdomain.MarkPaidRequest
}

func (f *fakeSettlementService) GenerateACH(ctx context.Context, req settlementdomain.GenerateRequest) (*settlementdomain.Batch, error) {
	f.generate = req
	return &settlementdomain.Batch{
		Result: ach.Result{
			Content:    "7;ACME SEGUROS;1234;987654;04;45.01;C;PAGO COMISIONES 20250314\n",
			ValidCount: 1,
		},
		FileName: "ACH_20250314.txt",
	}, nil
}

func (f *fakeSettlementService) MarkPaid(ctx context.Context, req settlementdomain.MarkPaidRequest) (*settlementdomain.MarkPaidResult, error) {
	f.markPaid = req
	return &settlementdomain.MarkPaidResult{Paid: req.ReportIDs}, nil
}

type fakeNotificationService struct {
	limit int
	err   error
}

func (f *fakeNotificationService) List(ctx context.Context, limit int) ([]notificationdomain.Notification, error) {
	f.limit = limit
	return nil, f.err
}

type testServer struct {
	router        *gin.Engine
	adjustments   *fakeAdjustmentService
	settlements   *fakeSettlementService
	notifications *fakeNotificationService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())

	ts := &testServer{
		router:        router,
		adjustments:   &fakeAdjustmentService{},
		settlements:   &fakeSettlementService{},
		notifications: &fakeNotificationService{},
	}
	NewServer(ServerParams{
		Gin:             router,
		AdjustmentSvc:   ts.adjustments,
		SettlementSvc:   ts.settlements,
		NotificationSvc: ts.notifications,
	})
	return ts
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)
	return resp
}

func masterHeaders() map[string]string {
	return map[string]string{headerUserID: "admin-1", headerUserRole: "master"}
}

func brokerHeaders(id string) map[string]string {
	return map[string]string{headerUserID: "broker-1", headerUserRole: "broker", headerBrokerID: id}
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestActorContextPopulatesActor(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/adjustments", `{"item_ids":["11","12"],"notes":"  march  "}`, brokerHeaders("7"))
	require.Equal(t, http.StatusCreated, resp.Code)

	require.True(t, ts.adjustments.hasActor)
	assert.Equal(t, "broker-1", ts.adjustments.lastActor.UserID)
	assert.Equal(t, authcontext.RoleBroker, ts.adjustments.lastActor.Role)
	require.NotNil(t, ts.adjustments.lastActor.BrokerID)
	assert.Equal(t, snowflake.ID(7), *ts.adjustments.lastActor.BrokerID)

	assert.Equal(t, []snowflake.ID{11, 12}, ts.adjustments.create.ItemIDs)
	require.NotNil(t, ts.adjustments.create.Notes)
	assert.Equal(t, "march", *ts.adjustments.create.Notes)
}

func TestActorContextRejectsMalformedHeaders(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/adjustments", "", map[string]string{headerUserID: "u", headerUserRole: "owner"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = ts.do(http.MethodGet, "/api/adjustments", "", brokerHeaders("not-a-number"))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.False(t, ts.adjustments.hasActor)
}

func TestActorContextLeavesAnonymousRequestsToServices(t *testing.T) {
	ts := newTestServer(t)
	ts.adjustments.err = adjustmentdomain.ErrNotAuthenticated

	resp := ts.do(http.MethodGet, "/api/adjustments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.False(t, ts.adjustments.hasActor)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"not authenticated", adjustmentdomain.ErrNotAuthenticated, http.StatusUnauthorized, "unauthorized"},
		{"invalid actor", authorization.ErrInvalidActor, http.StatusUnauthorized, "unauthorized"},
		{"not authorized", adjustmentdomain.ErrNotAuthorized, http.StatusForbidden, "forbidden"},
		{"not found", adjustmentdomain.ErrReportNotFound, http.StatusNotFound, "not_found"},
		{"invalid state", adjustmentdomain.ErrReportNotPending, http.StatusConflict, "conflict"},
		{"concurrent", adjustmentdomain.ErrConcurrentModification, http.StatusConflict, "conflict"},
		{"validation", adjustmentdomain.ErrUnifyMixedBrokers, http.StatusBadRequest, "validation_error"},
		{"persistence", adjustmentdomain.Persistence("update report", errors.New("disk full")), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.adjustments.err = tc.err

			resp := ts.do(http.MethodPost, "/api/adjustments/100/approve", "", masterHeaders())
			require.Equal(t, tc.status, resp.Code)
			assert.Equal(t, tc.kind, decodeError(t, resp).Type)
		})
	}
}

func TestValidationErrorsCarryFields(t *testing.T) {
	ts := newTestServer(t)
	ts.adjustments.err = adjustmentdomain.ErrItemAlreadyBooked

	resp := ts.do(http.MethodPost, "/api/adjustments", `{"item_ids":["11"]}`, brokerHeaders("7"))
	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "item_ids", payload.Errors[0].Field)
	assert.Equal(t, "item_already_booked", payload.Errors[0].Code)
	assert.Equal(t, "item already belongs to a live report", payload.Errors[0].Message)

	fieldErr := validator.New(validator.WithRequiredStructEnabled()).Struct(adjustmentdomain.CreateRequest{})
	require.Error(t, fieldErr)
	ts.adjustments.err = fmt.Errorf("%w: %w", adjustmentdomain.ErrValidationFailed, fieldErr)

	resp = ts.do(http.MethodPost, "/api/adjustments", `{"item_ids":[]}`, brokerHeaders("7"))
	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload = decodeError(t, resp)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "item_ids", payload.Errors[0].Field)
	assert.Equal(t, "invalid_required", payload.Errors[0].Code)
}

func TestRejectsMalformedBodiesAndIDs(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/adjustments", `{"item_ids":`, brokerHeaders("7"))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.do(http.MethodGet, "/api/adjustments/abc", "", masterHeaders())
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_id", decodeError(t, resp).Errors[0].Code)

	resp = ts.do(http.MethodGet, "/api/adjustments?status=archived", "", masterHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListAdjustmentsFiltersByStatus(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/adjustments?status=APPROVED", "", masterHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, ts.adjustments.query.Status)
	assert.Equal(t, adjustmentdomain.ReportStatusApproved, *ts.adjustments.query.Status)
}

func TestApproveAcceptsEmptyBody(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/adjustments/100/approve", "", masterHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, snowflake.ID(100), ts.adjustments.approve.ReportID)
	assert.Nil(t, ts.adjustments.approve.AdminNotes)
}

func TestDownloadACHFile(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/settlements/ach/file?report_ids=5,6&reference=LOTE%201", "", masterHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, `attachment; filename="ACH_20250314.txt"`, resp.Header().Get("Content-Disposition"))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header().Get("Content-Type"))
	assert.Equal(t, "1", resp.Header().Get("X-ACH-Valid-Count"))
	assert.Equal(t, "7;ACME SEGUROS;1234;987654;04;45.01;C;PAGO COMISIONES 20250314\n", resp.Body.String())

	assert.Equal(t, []snowflake.ID{5, 6}, ts.settlements.generate.ReportIDs)
	require.NotNil(t, ts.settlements.generate.ReferenceText)
	assert.Equal(t, "LOTE 1", *ts.settlements.generate.ReferenceText)

	resp = ts.do(http.MethodGet, "/api/settlements/ach/file?report_ids=5,x", "", masterHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestMarkReportsPaidParsesDate(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/settlements/paid", `{"report_ids":["5"],"paid_date":"2025-03-20"}`, masterHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, ts.settlements.markPaid.PaidDate)
	assert.Equal(t, time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC), *ts.settlements.markPaid.PaidDate)

	resp = ts.do(http.MethodPost, "/api/settlements/paid", `{"report_ids":["5"],"paid_date":"20/03/2025"}`, masterHeaders())
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "paid_date", decodeError(t, resp).Errors[0].Field)
}

func TestListNotificationsLimit(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/notifications", "", brokerHeaders("7"))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, defaultNotificationLimit, ts.notifications.limit)

	resp = ts.do(http.MethodGet, "/api/notifications?limit=5", "", brokerHeaders("7"))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 5, ts.notifications.limit)

	resp = ts.do(http.MethodGet, "/api/notifications?limit=-1", "", brokerHeaders("7"))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	ts.notifications.err = notificationdomain.ErrInvalidAudience
	resp = ts.do(http.MethodGet, "/api/notifications", "", brokerHeaders("7"))
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestClassifyErrorForLog(t *testing.T) {
	kind, code := classifyErrorForLog(adjustmentdomain.ErrConcurrentModification)
	assert.Equal(t, "conflict", kind)
	assert.Equal(t, "concurrent_modification", code)

	kind, code = classifyErrorForLog(adjustmentdomain.ErrInvalidOverride)
	assert.Equal(t, "validation_error", kind)
	assert.Equal(t, "invalid_override", code)

	kind, code = classifyErrorForLog(errors.New("boom"))
	assert.Equal(t, "internal_error", kind)
	assert.Equal(t, "unexpected", code)
}

func TestSnakeCase(t *testing.T) {
	assert.Equal(t, "item_ids", snakeCase("ItemIDs"))
	assert.Equal(t, "target_broker_id", snakeCase("TargetBrokerID"))
	assert.Equal(t, "reason", snakeCase("Reason"))
	assert.Equal(t, "http_addr", snakeCase("HTTPAddr"))
}
