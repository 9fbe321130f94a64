package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"crypto-checkout-go/internal/api"
	"crypto-checkout-go/internal/checkout"
	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Server exposes the checkout flow over HTTP for the front end.
type Server struct {
	checkout *checkout.Service
	ledger   *api.LedgerService
	router   *gin.Engine
}

func New(svc *checkout.Service, ledger *api.LedgerService) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{checkout: svc, ledger: ledger, router: router}

	router.GET("/health", s.health)
	router.GET("/coins", s.coins)

	v1 := router.Group("/v1")
	{
		v1.POST("/intents", s.createIntent)
		v1.GET("/users/:user_id/balance", s.balance)
		v1.GET("/users/:user_id/history", s.history)
		v1.GET("/users/:user_id/quote", s.quote)

		tx := v1.Group("/transactions/:id")
		tx.GET("", s.status)
		tx.POST("/method", s.selectMethod)
		tx.POST("/check", s.check)
		tx.POST("/confirm", s.confirm)
		tx.POST("/cancel", s.cancel)
		tx.POST("/retry", s.retry)
		tx.POST("/change-method", s.changeMethod)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger logs each request through the global zap logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.L().Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkout.ErrUnknownCoin),
		errors.Is(err, checkout.ErrInvalidIntent),
		errors.Is(err, checkout.ErrAmountOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, checkout.ErrPaymentClosed),
		errors.Is(err, checkout.ErrPaymentConfirmed),
		errors.Is(err, checkout.ErrNotRetryable),
		errors.Is(err, store.ErrTerminalStatus),
		errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, checkout.ErrCoinMismatch),
		errors.Is(err, checkout.ErrUnderpaid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		zap.L().Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	if err := s.ledger.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) coins(c *gin.Context) {
	c.JSON(http.StatusOK, s.checkout.Coins())
}

type intentRequest struct {
	UserId string                 `json:"user_id" binding:"required"`
	Type   models.TransactionType `json:"type" binding:"required"`
	Amount decimal.Decimal        `json:"amount"`
	Item   *models.ItemSnapshot   `json:"item"`
}

func (s *Server) createIntent(c *gin.Context) {
	var req intentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	intent, err := s.checkout.CreatePaymentIntent(c.Request.Context(), checkout.IntentRequest{
		UserId: req.UserId,
		Type:   req.Type,
		Amount: req.Amount,
		Item:   req.Item,
	})
	s.respondIntent(c, intent, err, http.StatusCreated)
}

// respondIntent reports an intent whose balance finalize failed with its error status rather than as a failure.
func (s *Server) respondIntent(c *gin.Context, intent *models.PaymentIntent, err error, okCode int) {
	if err != nil && !(intent != nil && errors.Is(err, checkout.ErrFinalizeFailed)) {
		respondError(c, err)
		return
	}
	c.JSON(okCode, intent)
}

func (s *Server) quote(c *gin.Context) {
	total, err := decimal.NewFromString(c.Query("total"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "total must be a decimal amount"})
		return
	}
	plan, err := s.checkout.QuotePurchase(c.Request.Context(), c.Param("user_id"), total)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

type methodRequest struct {
	Coin string `json:"coin" binding:"required"`
}

func (s *Server) selectMethod(c *gin.Context) {
	var req methodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	invoice, err := s.checkout.SelectExternalMethod(c.Request.Context(), id, req.Coin)
	if err == nil {
		c.JSON(http.StatusOK, invoice)
		return
	}

	code := statusFor(err)
	if code != http.StatusInternalServerError {
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	// An upstream failure leaves the transaction in a retryable error status.
	report, statusErr := s.checkout.GetStatus(c.Request.Context(), id)
	if statusErr != nil || !report.Retryable {
		respondError(c, err)
		return
	}
	zap.L().Warn("Payment method selection failed", zap.String("transaction_id", id), zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "status": report})
}

func (s *Server) status(c *gin.Context) {
	report, err := s.checkout.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) check(c *gin.Context) {
	applied, token, err := s.checkout.CheckConfirmation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied, "status": token})
}

type confirmRequest struct {
	ObservedAmount int64  `json:"observed_amount" binding:"required"`
	Coin           string `json:"coin" binding:"required"`
	ChainReference string `json:"chain_reference"`
}

// confirm finalizes a payment confirmed by a caller that watches the chain itself.
func (s *Server) confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	applied, err := s.checkout.FinalizeConfirmed(c.Request.Context(), checkout.FinalizeRequest{
		TransactionId:  id,
		ObservedAmount: req.ObservedAmount,
		Coin:           req.Coin,
		ChainReference: req.ChainReference,
	})
	if err != nil && !errors.Is(err, checkout.ErrFinalizeFailed) {
		respondError(c, err)
		return
	}

	report, statusErr := s.checkout.GetStatus(c.Request.Context(), id)
	if statusErr != nil {
		respondError(c, statusErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied, "status": report})
}

func (s *Server) cancel(c *gin.Context) {
	if err := s.checkout.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.StatusCancelledByUser})
}

func (s *Server) retry(c *gin.Context) {
	intent, err := s.checkout.RetryIntent(c.Request.Context(), c.Param("id"))
	s.respondIntent(c, intent, err, http.StatusCreated)
}

func (s *Server) changeMethod(c *gin.Context) {
	intent, err := s.checkout.ChangeMethod(c.Request.Context(), c.Param("id"))
	s.respondIntent(c, intent, err, http.StatusCreated)
}

func (s *Server) balance(c *gin.Context) {
	balance, err := s.ledger.GetUserBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("user_id"), "balance": balance.StringFixed(2), "currency": "EUR"})
}

func (s *Server) history(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a number"})
		return
	}
	history, err := s.ledger.GetTransactionHistory(c.Request.Context(), c.Param("user_id"), page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}
