// Package httpapi exposes the subscription backend over HTTP with gin. It is
// a thin translation layer: request bodies in, service calls, PaymentError
// codes out as statuses. No business rules live here.
package httpapi

import (
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	subpay "github.com/subpay/subpay"
	"github.com/subpay/subpay/eip712"
	"github.com/subpay/subpay/header"
	"github.com/subpay/subpay/subscription"
)

// Server wires the subscription service into a gin router.
type Server struct {
	svc      *subscription.Service
	verifier *header.Verifier
	domain   eip712.Domain
	log      *slog.Logger
	cors     []string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured logger for request handling.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithCORSOrigins enables CORS for the given origins. "*" allows all.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.cors = origins }
}

// NewServer builds the HTTP surface over the service and verifier.
func NewServer(svc *subscription.Service, verifier *header.Verifier, domain eip712.Domain, opts ...ServerOption) *Server {
	s := &Server{
		svc:      svc,
		verifier: verifier,
		domain:   domain,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router mounts every route and returns the engine ready to serve.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if len(s.cors) > 0 {
		cfg := cors.DefaultConfig()
		if len(s.cors) == 1 && s.cors[0] == "*" {
			cfg.AllowAllOrigins = true
		} else {
			cfg.AllowOrigins = s.cors
		}
		cfg.AllowHeaders = append(cfg.AllowHeaders, HeaderPayment)
		r.Use(cors.New(cfg))
	}

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/eip712/domain-separator", s.handleDomainSeparator)
	r.POST("/eip712/signing-data", s.handleSigningData)

	r.GET("/plans", s.handleListPlans)
	r.GET("/plans/:plan_id", s.handleGetPlan)
	r.GET("/subscriptions/user/:address", s.handleUserSubscriptions)
	r.GET("/subscriptions/:plan_id/:subscriber", s.handleGetSubscription)
	r.GET("/payments/history/:address", s.handlePaymentHistory)
	r.GET("/admin/stats", s.handleStats)

	paid := r.Group("/", PaymentMiddleware(s.verifier, WithMiddlewareLogger(s.log)))
	paid.POST("/plans", s.handleCreatePlan)
	paid.PUT("/plans/:plan_id/deactivate", s.handleDeactivatePlan)
	paid.POST("/subscribe", s.handleSubscribe)
	paid.POST("/subscriptions/:plan_id/cancel", s.handleCancel)
	paid.POST("/payments/process", s.handleProcessPayment)
	paid.GET("/verify-access/:plan_id", s.handleVerifyAccess)

	return r
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "subscription payment backend",
		"version": "1.0.0",
		"domain": gin.H{
			"name":     s.domain.Name,
			"version":  s.domain.Version,
			"chain_id": s.domain.ChainID.String(),
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	connected := s.svc.ChainConnected(c.Request.Context())
	if !connected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"chain_connected": connected,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDomainSeparator(c *gin.Context) {
	sep, err := s.domain.Separator()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domain_separator":   hexutil.Encode(sep),
		"name":               s.domain.Name,
		"version":            s.domain.Version,
		"chain_id":           s.domain.ChainID.String(),
		"verifying_contract": s.domain.VerifyingContract,
	})
}

type signingDataRequest struct {
	PrimaryType string `json:"primary_type" binding:"required"`

	// SubscriptionAuthorization fields
	PlanID     string `json:"plan_id"`
	Subscriber string `json:"subscriber"`
	AutoRenew  bool   `json:"auto_renew"`

	// PaymentAuthorization fields
	Payer  string `json:"payer"`
	Token  string `json:"token"`
	Action string `json:"action"`

	// Shared
	Amount   string `json:"amount"` // base units
	Deadline uint64 `json:"deadline"`
	Nonce    uint64 `json:"nonce"`
}

// handleSigningData returns the EIP-712 typed-data document a wallet should
// sign for the requested authorization, plus its digest for verification.
func (s *Server) handleSigningData(c *gin.Context) {
	var req signingDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": subpay.ErrCodeMalformedHeader})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a base-10 integer", "code": subpay.ErrCodeMalformedHeader})
		return
	}

	var (
		td  interface{}
		err error
	)
	switch req.PrimaryType {
	case eip712.TypeSubscriptionAuthorization:
		td, err = eip712.SubscriptionAuthorization{
			PlanID:     req.PlanID,
			Subscriber: req.Subscriber,
			Amount:     amount,
			Deadline:   req.Deadline,
			Nonce:      req.Nonce,
			AutoRenew:  req.AutoRenew,
		}.TypedData(s.domain)
	case eip712.TypePaymentAuthorization:
		td, err = eip712.PaymentAuthorization{
			Payer:    req.Payer,
			Token:    req.Token,
			Amount:   amount,
			Deadline: req.Deadline,
			Nonce:    req.Nonce,
			Action:   req.Action,
		}.TypedData(s.domain)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown primary_type " + req.PrimaryType,
			"code":  subpay.ErrCodeMalformedHeader,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": subpay.ErrCodeMalformedHeader})
		return
	}
	c.JSON(http.StatusOK, gin.H{"typed_data": td})
}

type createPlanRequest struct {
	Token              string `json:"token" binding:"required"`
	Amount             string `json:"amount" binding:"required"` // decimal token amount
	IntervalSeconds    int64  `json:"interval_seconds" binding:"required"`
	DurationSeconds    int64  `json:"duration_seconds" binding:"required"`
	GracePeriodSeconds int64  `json:"grace_period_seconds"`
	APIURL             string `json:"api_url" binding:"required"`
	Description        string `json:"description"`
	CreatorKey         string `json:"creator_key"`
}

func (s *Server) handleCreatePlan(c *gin.Context) {
	payment, ok := VerifiedPaymentFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment context missing"})
		return
	}
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := header.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	token, err := eip712.NormalizeToken(req.Token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan, err := s.svc.CreatePlan(c.Request.Context(), payment, subscription.CreatePlanInput{
		Token:       token,
		Amount:      amount,
		Interval:    time.Duration(req.IntervalSeconds) * time.Second,
		Duration:    time.Duration(req.DurationSeconds) * time.Second,
		GracePeriod: time.Duration(req.GracePeriodSeconds) * time.Second,
		APIURL:      req.APIURL,
		Description: req.Description,
		CreatorKey:  req.CreatorKey,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (s *Server) handleListPlans(c *gin.Context) {
	activeOnly := c.DefaultQuery("active_only", "true") == "true"
	plans, err := s.svc.ListPlans(c.Request.Context(), activeOnly)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (s *Server) handleGetPlan(c *gin.Context) {
	plan, err := s.svc.GetPlan(c.Request.Context(), c.Param("plan_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) handleDeactivatePlan(c *gin.Context) {
	payment, _ := VerifiedPaymentFrom(c)
	if err := s.svc.DeactivatePlan(c.Request.Context(), payment, c.Param("plan_id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "plan deactivated"})
}

type subscribeRequest struct {
	PlanID    string `json:"plan_id" binding:"required"`
	AutoRenew bool   `json:"auto_renew"`
}

func (s *Server) handleSubscribe(c *gin.Context) {
	payment, _ := VerifiedPaymentFrom(c)
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := s.svc.Subscribe(c.Request.Context(), payment, req.PlanID, req.AutoRenew)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleGetSubscription(c *gin.Context) {
	st, err := s.svc.GetSubscription(c.Request.Context(), c.Param("plan_id"), c.Param("subscriber"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleUserSubscriptions(c *gin.Context) {
	activeOnly := c.DefaultQuery("active_only", "true") == "true"
	subs, err := s.svc.UserSubscriptions(c.Request.Context(), c.Param("address"), activeOnly)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *Server) handleCancel(c *gin.Context) {
	payment, _ := VerifiedPaymentFrom(c)
	if err := s.svc.Cancel(c.Request.Context(), payment, c.Param("plan_id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "subscription cancelled"})
}

type processPaymentRequest struct {
	PlanID            string `json:"plan_id" binding:"required"`
	SubscriberAddress string `json:"subscriber_address" binding:"required"`
}

func (s *Server) handleProcessPayment(c *gin.Context) {
	payment, _ := VerifiedPaymentFrom(c)
	var req processPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := s.svc.ProcessRecurringPayment(c.Request.Context(), payment, req.PlanID, req.SubscriberAddress)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":          "payment processed",
		"next_payment_due": sub.NextPaymentDue,
		"total_paid":       sub.TotalPaid.String(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handlePaymentHistory(c *gin.Context) {
	payments, err := s.svc.PaymentHistory(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// handleVerifyAccess grants the gated URL to the verified payer only. The
// subscriber identity comes from the signature, never from the request.
func (s *Server) handleVerifyAccess(c *gin.Context) {
	payment, _ := VerifiedPaymentFrom(c)
	grant, err := s.svc.Access(c.Request.Context(), c.Param("plan_id"), payment.Payer)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_granted":       true,
		"api_url":              grant.APIURL,
		"subscription_expires": grant.ExpiresAt,
		"next_payment_due":     grant.NextPaymentDue,
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	var pe *subpay.PaymentError
	if !errors.As(err, &pe) {
		s.log.ErrorContext(c.Request.Context(), "unhandled error", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	status := statusFor(pe.Code)
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(c.Request.Context(), "request failed",
			"path", c.Request.URL.Path, "code", pe.Code)
	}
	c.JSON(status, gin.H{"error": pe.Message, "code": pe.Code, "details": pe.Details})
}

func statusFor(code string) int {
	switch code {
	case subpay.ErrCodeMalformedHeader,
		subpay.ErrCodeExpiredSignature,
		subpay.ErrCodeReplayDetected,
		subpay.ErrCodeInvalidSignature,
		subpay.ErrCodeSubscriptionExpired:
		return http.StatusPaymentRequired
	case subpay.ErrCodePlanNotFound,
		subpay.ErrCodeSubscriptionNotFound:
		return http.StatusNotFound
	case subpay.ErrCodeNotOwner:
		return http.StatusForbidden
	case subpay.ErrCodePlanInactive,
		subpay.ErrCodeAlreadySubscribed,
		subpay.ErrCodeInsufficientPayment,
		subpay.ErrCodeNotDue:
		return http.StatusBadRequest
	case subpay.ErrCodeStoreUnavailable,
		subpay.ErrCodeChainUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
