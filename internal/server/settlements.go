package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	settlementdomain "github.com/smallbiznis/brokerpay/internal/settlement/domain"
)

type generateACHRequest struct {
	ReportIDs     []snowflake.ID `json:"report_ids"`
	ReferenceText *string        `json:"reference_text"`
}

type markPaidRequest struct {
	ReportIDs []snowflake.ID `json:"report_ids"`
	PaidDate  string         `json:"paid_date"`
}

func (s *Server) GenerateACH(c *gin.Context) {
	var req generateACHRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.settlementSvc.GenerateACH(c.Request.Context(), settlementdomain.GenerateRequest{
		ReportIDs:     req.ReportIDs,
		ReferenceText: trimOptional(req.ReferenceText),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// DownloadACHFile serves the batch content as a plain text attachment so the
// bank upload can be saved byte for byte.
func (s *Server) DownloadACHFile(c *gin.Context) {
	var query struct {
		ReportIDs string `form:"report_ids"`
		Reference string `form:"reference"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reportIDs, err := parseSnowflakeIDList(query.ReportIDs)
	if err != nil {
		AbortWithError(c, newValidationError("report_ids", "invalid_report_ids", "invalid report_ids"))
		return
	}

	var reference *string
	if trimmed := strings.TrimSpace(query.Reference); trimmed != "" {
		reference = &trimmed
	}

	resp, err := s.settlementSvc.GenerateACH(c.Request.Context(), settlementdomain.GenerateRequest{
		ReportIDs:     reportIDs,
		ReferenceText: reference,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", resp.FileName))
	c.Header("X-ACH-Valid-Count", fmt.Sprintf("%d", resp.ValidCount))
	c.Header("X-ACH-Error-Count", fmt.Sprintf("%d", len(resp.Errors)))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(resp.Content))
}

func (s *Server) MarkReportsPaid(c *gin.Context) {
	var req markPaidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	paidDate, err := parseOptionalTime(req.PaidDate)
	if err != nil {
		AbortWithError(c, newValidationError("paid_date", "invalid_paid_date", "invalid paid_date"))
		return
	}
	if paidDate != nil {
		utc := paidDate.In(time.UTC)
		paidDate = &utc
	}

	resp, err := s.settlementSvc.MarkPaid(c.Request.Context(), settlementdomain.MarkPaidRequest{
		ReportIDs: req.ReportIDs,
		PaidDate:  paidDate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
