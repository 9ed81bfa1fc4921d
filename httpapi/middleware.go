package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	subpay "github.com/subpay/subpay"
	"github.com/subpay/subpay/header"
)

// HeaderPayment is the request header carrying the payment authorization.
const HeaderPayment = "X-Payment"

const contextPaymentKey = "verified_payment"

// MiddlewareOptions is the options for the PaymentMiddleware.
type MiddlewareOptions struct {
	HeaderName string
	Log        *slog.Logger
}

// MiddlewareOption configures the PaymentMiddleware.
type MiddlewareOption func(*MiddlewareOptions)

// WithHeaderName overrides the payment header name.
func WithHeaderName(name string) MiddlewareOption {
	return func(o *MiddlewareOptions) { o.HeaderName = name }
}

// WithMiddlewareLogger sets the middleware's logger.
func WithMiddlewareLogger(log *slog.Logger) MiddlewareOption {
	return func(o *MiddlewareOptions) { o.Log = log }
}

// PaymentMiddleware gates a route group behind X-Payment verification. On
// success the verified payment is stashed in the request context for the
// handler; on failure the request is aborted with 402 (or 503 when a backing
// service is degraded) and a {error, code} JSON body.
func PaymentMiddleware(verifier *header.Verifier, opts ...MiddlewareOption) gin.HandlerFunc {
	options := &MiddlewareOptions{
		HeaderName: HeaderPayment,
		Log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		raw := c.GetHeader(options.HeaderName)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": options.HeaderName + " header is required",
				"code":  subpay.ErrCodeMalformedHeader,
			})
			return
		}

		payment, err := verifier.Verify(c.Request.Context(), raw, c.Request.URL.Path)
		if err != nil {
			pe, ok := err.(*subpay.PaymentError)
			if !ok {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "payment verification failed",
				})
				return
			}
			status := http.StatusPaymentRequired
			if pe.IsUnavailable() {
				status = http.StatusServiceUnavailable
			}
			options.Log.InfoContext(c.Request.Context(), "payment rejected",
				"path", c.Request.URL.Path, "code", pe.Code)
			c.AbortWithStatusJSON(status, gin.H{"error": pe.Message, "code": pe.Code})
			return
		}

		c.Set(contextPaymentKey, payment)
		c.Next()
	}
}

// VerifiedPaymentFrom returns the payment stashed by PaymentMiddleware.
func VerifiedPaymentFrom(c *gin.Context) (*subpay.VerifiedPayment, bool) {
	v, ok := c.Get(contextPaymentKey)
	if !ok {
		return nil, false
	}
	payment, ok := v.(*subpay.VerifiedPayment)
	return payment, ok
}
