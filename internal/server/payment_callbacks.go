package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
)

const maxCallbackBodyBytes = 1 << 20

// HandlePaymentCallback answers provider notifications. The reply is always
// the adapter's acknowledgement so providers never see internal detail.
func (s *Server) HandlePaymentCallback(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("providerId")))
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBodyBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	cb := paymentdomain.CallbackData{
		Body:       body,
		Form:       parseCallbackForm(c.GetHeader("Content-Type"), body),
		Headers:    c.Request.Header.Clone(),
		ReceivedAt: s.clock.Now().UTC(),
	}

	result, err := s.paymentSvc.HandleCallback(c.Request.Context(), provider, cb)
	if result == nil {
		if errors.Is(err, paymentdomain.ErrUnknownProvider) {
			AbortWithError(c, ErrNotFound)
			return
		}
		if err == nil {
			err = ErrInternal
		}
		AbortWithError(c, err)
		return
	}

	writeAck(c, result.Ack)
}

func writeAck(c *gin.Context, ack paymentdomain.Ack) {
	status := ack.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	contentType := ack.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	c.Data(status, contentType, ack.Body)
}

func parseCallbackForm(contentType string, body []byte) url.Values {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil
	}
	return values
}
