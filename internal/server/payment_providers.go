package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentproviderdomain "github.com/smallbiznis/ticketpay/internal/paymentprovider/domain"
)

type updatePaymentProviderStatusRequest struct {
	IsActive *bool `json:"is_active"`
}

func (s *Server) ListPaymentProviderCatalog(c *gin.Context) {
	resp, err := s.paymentProviderSvc.ListCatalog(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"providers": resp})
}

func (s *Server) ListPaymentProviders(c *gin.Context) {
	resp, err := s.paymentProviderSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"providers": resp})
}

func (s *Server) UpsertPaymentProvider(c *gin.Context) {
	var req paymentproviderdomain.UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Provider == "" {
		AbortWithError(c, newValidationError("provider", "required", "provider is required"))
		return
	}

	resp, err := s.paymentProviderSvc.Onboard(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"provider": resp})
}

func (s *Server) UpdatePaymentProviderStatus(c *gin.Context) {
	provider, ok := providerParam(c)
	if !ok {
		return
	}
	var req updatePaymentProviderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.IsActive == nil {
		AbortWithError(c, newValidationError("is_active", "invalid_is_active", "invalid is_active"))
		return
	}

	resp, err := s.paymentProviderSvc.SetActive(c.Request.Context(), provider, *req.IsActive)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"provider": resp})
}

func (s *Server) SetDefaultPaymentProvider(c *gin.Context) {
	provider, ok := providerParam(c)
	if !ok {
		return
	}

	resp, err := s.paymentProviderSvc.SetDefault(c.Request.Context(), provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"provider": resp})
}

// providerParam reads the provider id from the path. Ids are stored lowercase.
func providerParam(c *gin.Context) (string, bool) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	if provider == "" {
		AbortWithError(c, newValidationError("provider", "required", "provider is required"))
		return "", false
	}
	return provider, true
}
