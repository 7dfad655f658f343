package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/api/handler"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/api/middleware"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/config"
	"github.com/gin-gonic/gin"
)

// setupRouter configures API routes and middleware for the application
func setupRouter(
	logger *slog.Logger,
	cfg *config.Config,
	r *gin.Engine,
	loanHandler *handler.LoanHandler,
	scanHandler *handler.ScanHandler,
	paymentHandler *handler.PaymentHandler,
	accessHandler *handler.AccessHandler,
	wsHandler *handler.WSHandler,
) {
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CorrelationID())

	auth := middleware.Auth(cfg.Auth.JWTSecret)
	staff := middleware.RequireStaff()

	// API v1 endpoints
	v1 := r.Group("/api/v1")
	{
		// Loan lifecycle operations
		loans := v1.Group("/loans", auth)
		{
			loans.POST("", loanHandler.Create)
			loans.GET("", loanHandler.ListOwn)
			loans.GET("/:id", loanHandler.GetByID)
			loans.POST("/:id/qr-tokens", scanHandler.Issue)
			loans.POST("/:id/reassess", staff, loanHandler.Reassess)
			loans.POST("/:id/payments/cash", staff, paymentHandler.CashSettle)
			loans.GET("/:id/payment-record", paymentHandler.GetRecord)
		}

		// Circulation desk scans
		v1.POST("/scans", auth, staff, scanHandler.Redeem)

		// Member-scoped views (staff only)
		members := v1.Group("/members", auth, staff)
		{
			members.GET("/:id/loans", loanHandler.ListByBorrower)
		}

		// Settlement operations
		payments := v1.Group("/payments")
		{
			// Gateway callbacks authenticate via the payload reference, not
			// a member token
			payments.POST("/gateway/callback", paymentHandler.GatewayCallback)
			payments.GET("/records", auth, paymentHandler.ListOwnRecords)
		}

		// Digital access grants
		accessRequests := v1.Group("/access-requests", auth)
		{
			accessRequests.POST("", accessHandler.Create)
			accessRequests.GET("", accessHandler.ListOwned)
			accessRequests.GET("/:id", accessHandler.GetByID)
			accessRequests.POST("/:id/approve", accessHandler.Approve)
			accessRequests.POST("/:id/reject", accessHandler.Reject)
		}

		// Realtime event stream
		v1.GET("/ws", auth, wsHandler.Subscribe)
	}

	// Health check endpoint for monitoring
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})
}
