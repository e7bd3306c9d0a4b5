package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	adjustmentdomain "github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	obslogger "github.com/smallbiznis/brokerpay/internal/observability/logger"
	"go.uber.org/zap"
)

type createAdjustmentRequest struct {
	ItemIDs        []snowflake.ID `json:"item_ids"`
	Notes          *string        `json:"notes"`
	PaymentMode    string         `json:"payment_mode"`
	TargetBrokerID *snowflake.ID  `json:"target_broker_id"`
}

type approveAdjustmentRequest struct {
	AdminNotes *string `json:"admin_notes"`
}

type rejectAdjustmentRequest struct {
	Reason string `json:"reason"`
}

type editAdjustmentItemsRequest struct {
	Add    []snowflake.ID `json:"add"`
	Remove []snowflake.ID `json:"remove"`
}

type updateOverridesRequest struct {
	Updates []adjustmentdomain.OverrideUpdate `json:"updates"`
}

type unifyAdjustmentsRequest struct {
	ReportIDs []snowflake.ID `json:"report_ids"`
}

func (s *Server) CreateAdjustment(c *gin.Context) {
	var req createAdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.adjustmentSvc.Create(c.Request.Context(), adjustmentdomain.CreateRequest{
		ItemIDs:        req.ItemIDs,
		Notes:          trimOptional(req.Notes),
		PaymentMode:    adjustmentdomain.PaymentMode(strings.TrimSpace(req.PaymentMode)),
		TargetBrokerID: req.TargetBrokerID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListAdjustments(c *gin.Context) {
	var query struct {
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var req adjustmentdomain.QueryRequest
	if raw := strings.TrimSpace(query.Status); raw != "" {
		status, ok := parseReportStatus(raw)
		if !ok {
			AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
			return
		}
		req.Status = &status
	}

	resp, err := s.adjustmentSvc.Query(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetAdjustment(c *gin.Context) {
	reportID, ok := reportIDParam(c)
	if !ok {
		return
	}

	resp, err := s.adjustmentSvc.Get(c.Request.Context(), reportID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ApproveAdjustment(c *gin.Context) {
	reportID, ok := reportIDParam(c)
	if !ok {
		return
	}

	var req approveAdjustmentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.adjustmentSvc.Approve(c.Request.Context(), adjustmentdomain.ApproveRequest{
		ReportID:   reportID,
		AdminNotes: trimOptional(req.AdminNotes),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RejectAdjustment(c *gin.Context) {
	reportID, ok := reportIDParam(c)
	if !ok {
		return
	}

	var req rejectAdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.adjustmentSvc.Reject(c.Request.Context(), adjustmentdomain.RejectRequest{
		ReportID: reportID,
		Reason:   strings.TrimSpace(req.Reason),
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": reportID, "status": adjustmentdomain.ReportStatusRejected}})
}

func (s *Server) EditAdjustmentItems(c *gin.Context) {
	reportID, ok := reportIDParam(c)
	if !ok {
		return
	}

	var req editAdjustmentItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.adjustmentSvc.Edit(c.Request.Context(), adjustmentdomain.EditRequest{
		ReportID: reportID,
		Add:      req.Add,
		Remove:   req.Remove,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateAdjustmentOverrides(c *gin.Context) {
	reportID, ok := reportIDParam(c)
	if !ok {
		return
	}

	var req updateOverridesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.adjustmentSvc.UpdateOverridePercent(c.Request.Context(), adjustmentdomain.OverrideRequest{
		ReportID: reportID,
		Updates:  req.Updates,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if len(resp.Failed) > 0 {
		obslogger.WithReport(obslogger.FromContext(c.Request.Context()), reportID.String()).Warn(
			"override update partially applied",
			zap.Int("applied", len(resp.Applied)),
			zap.Int("failed", len(resp.Failed)),
		)
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UnifyAdjustments(c *gin.Context) {
	var req unifyAdjustmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.adjustmentSvc.Unify(c.Request.Context(), adjustmentdomain.UnifyRequest{
		ReportIDs: req.ReportIDs,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func reportIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid report id"))
		return 0, false
	}
	return id, true
}

func parseReportStatus(raw string) (adjustmentdomain.ReportStatus, bool) {
	switch status := adjustmentdomain.ReportStatus(strings.ToLower(raw)); status {
	case adjustmentdomain.ReportStatusPending,
		adjustmentdomain.ReportStatusApproved,
		adjustmentdomain.ReportStatusRejected,
		adjustmentdomain.ReportStatusPaid:
		return status, true
	default:
		return "", false
	}
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
