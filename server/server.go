// Package server is the HTTP boundary of the gateway: API-key authentication,
// per-key rate limiting, and the merchant-facing payment and settlement
// endpoints.
package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
	"github.com/solpay/gateway/payment"
	"github.com/solpay/gateway/settlement"
)

const (
	headerAPIKey         = "X-API-Key"
	headerMerchantWallet = "X-Merchant-Wallet"

	ctxMerchantWallet = "merchantWallet"
)

// Config bounds the HTTP boundary.
type Config struct {
	APIKeys         []string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// BaseURL is the public origin used when generating payment links.
	BaseURL string
}

// Server assembles the gin engine with the gateway's routes and middleware.
type Server struct {
	engine   *gin.Engine
	orch     *payment.Orchestrator
	verifier *settlement.Verifier
	setStore solpay.SettlementStore
	signer   solpay.Signer
	keys     map[string]struct{}
	limiter  *rateLimiter
	baseURL  string
	log      *zap.Logger
}

// New creates the HTTP server. The signer is used by the process endpoint to
// execute swaps on behalf of the gateway's payer wallet.
func New(orch *payment.Orchestrator, verifier *settlement.Verifier, setStore solpay.SettlementStore, signer solpay.Signer, cfg Config, log *zap.Logger) *Server {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = struct{}{}
	}

	s := &Server{
		engine:   gin.New(),
		orch:     orch,
		verifier: verifier,
		setStore: setStore,
		signer:   signer,
		keys:     keys,
		limiter:  newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		baseURL:  cfg.BaseURL,
		log:      log,
	}
	s.routes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery())

	v1 := s.engine.Group("/v1", s.authenticate, s.rateLimit)
	v1.POST("/payments", s.createPayment)
	v1.GET("/payments", s.getPayment)
	v1.POST("/payments/:id/process", s.processPayment)
	v1.GET("/settlement/balance", s.settlementBalance)
	v1.GET("/settlement/history", s.settlementHistory)
	v1.GET("/payment-link", s.paymentLink)
}

// authenticate requires a configured API key and the merchant wallet header.
func (s *Server) authenticate(c *gin.Context) {
	key := c.GetHeader(headerAPIKey)
	if _, ok := s.keys[key]; !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid or missing API key",
		})
		return
	}
	wallet := c.GetHeader(headerMerchantWallet)
	if wallet == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "missing " + headerMerchantWallet + " header",
		})
		return
	}
	c.Set(ctxMerchantWallet, wallet)
	c.Next()
}

// rateLimit enforces the per-key sliding window.
func (s *Server) rateLimit(c *gin.Context) {
	ok, resetAt := s.limiter.take(c.GetHeader(headerAPIKey), time.Now())
	if !ok {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate limit exceeded",
			"resetAt": resetAt.UTC().Format(time.RFC3339),
		})
		return
	}
	c.Next()
}

type createPaymentRequest struct {
	Amount      int64             `json:"amount"`
	InputToken  string            `json:"inputToken"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) createPayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	p, err := s.orch.Create(c.Request.Context(), payment.CreateParams{
		Amount:         req.Amount,
		MerchantWallet: c.GetString(ctxMerchantWallet),
		InputToken:     req.InputToken,
		Description:    req.Description,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.paymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type paymentResponse struct {
	*solpay.Payment
	Settlement *solpay.Settlement `json:"settlement,omitempty"`
}

func (s *Server) getPayment(c *gin.Context) {
	id := c.Query("paymentId")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paymentId is required"})
		return
	}

	p, err := s.orch.Find(c.Request.Context(), id)
	if err != nil {
		if solpay.IsCode(err, solpay.ErrCodeInvalidParams) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			return
		}
		s.paymentError(c, err)
		return
	}

	resp := paymentResponse{Payment: p}
	if p.Status == solpay.StatusCompleted {
		if settled, err := s.setStore.Latest(c.Request.Context(), p.ID); err == nil {
			resp.Settlement = settled
		}
	}
	c.JSON(http.StatusOK, resp)
}

// processPayment executes a quoted payment end to end: swap, confirmation,
// settlement verification.
func (s *Server) processPayment(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	p, err := s.orch.Process(ctx, id, s.signer)
	if err != nil {
		s.paymentError(c, err)
		return
	}

	p, err = s.orch.Confirm(ctx, id, p.Signature)
	if err != nil {
		s.paymentError(c, err)
		return
	}

	settled, err := s.verifier.SettlePayment(ctx, p)
	if err != nil {
		s.paymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentResponse{Payment: p, Settlement: settled})
}

func (s *Server) settlementBalance(c *gin.Context) {
	b, err := s.verifier.Balance(c.Request.Context(), c.GetString(ctxMerchantWallet))
	if err != nil {
		s.paymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) settlementHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	history, err := s.verifier.History(c.Request.Context(), c.GetString(ctxMerchantWallet), limit)
	if err != nil {
		s.paymentError(c, err)
		return
	}
	if history == nil {
		history = []*solpay.TrackResult{}
	}
	c.JSON(http.StatusOK, gin.H{"settlements": history})
}

// paymentLink builds a shareable checkout link for the merchant.
func (s *Server) paymentLink(c *gin.Context) {
	amount := c.Query("amount")
	currency := c.Query("currency")
	if amount == "" || currency == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount and currency are required"})
		return
	}
	if parsed, err := strconv.ParseFloat(amount, 64); err != nil || parsed <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive number"})
		return
	}

	params := url.Values{}
	params.Set("merchant", c.GetString(ctxMerchantWallet))
	params.Set("amount", amount)
	params.Set("currency", currency)
	c.JSON(http.StatusOK, gin.H{"link": s.baseURL + "/pay?" + params.Encode()})
}

// paymentError maps domain errors onto HTTP statuses. Validation problems are
// the caller's fault; everything else is reported as an internal failure with
// the stable code attached.
func (s *Server) paymentError(c *gin.Context, err error) {
	var pe *solpay.PaymentError
	if !errors.As(err, &pe) {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch pe.Code {
	case solpay.ErrCodeInvalidParams:
		status = http.StatusBadRequest
	case solpay.ErrCodeInvalidStateTransition:
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{"error": pe.Code, "message": pe.Message, "details": pe.Details})
}
