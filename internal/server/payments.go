package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	"github.com/smallbiznis/ticketpay/pkg/db/pagination"
)

type cancelPaymentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CreatePayment(c *gin.Context) {
	var req paymentdomain.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	// The organizer always comes from the request context, never the body.
	req.OrganizerID = 0

	resp, err := s.paymentSvc.CreatePayment(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": resp})
}

func (s *Server) ListPayments(c *gin.Context) {
	var query struct {
		pagination.Pagination
		ResourceType string `form:"resource_type"`
		ResourceID   string `form:"resource_id"`
		Status       string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.ListPayments(c.Request.Context(), paymentdomain.ListPaymentsRequest{
		ResourceType: query.ResourceType,
		ResourceID:   query.ResourceID,
		Status:       paymentdomain.Status(query.Status),
		PageToken:    query.PageToken,
		PageSize:     query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetPayment(c *gin.Context) {
	id, ok := parsePaymentID(c)
	if !ok {
		return
	}

	resp, err := s.paymentSvc.GetPayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": resp})
}

func (s *Server) CancelPayment(c *gin.Context) {
	id, ok := parsePaymentID(c)
	if !ok {
		return
	}

	var req cancelPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.paymentSvc.CancelPayment(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": resp})
}

func (s *Server) ExpirePayment(c *gin.Context) {
	id, ok := parsePaymentID(c)
	if !ok {
		return
	}

	resp, err := s.paymentSvc.ExpirePayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": resp})
}

func (s *Server) RefundPayment(c *gin.Context) {
	id, ok := parsePaymentID(c)
	if !ok {
		return
	}

	var req paymentdomain.RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	req.Reason = strings.TrimSpace(req.Reason)

	resp, err := s.paymentSvc.RefundPayment(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": resp})
}

func parsePaymentID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid payment id"))
		return 0, false
	}
	return id, true
}
