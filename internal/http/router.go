package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/config"
	"github.com/propertyledger/backend/internal/http/handlers"
	"github.com/propertyledger/backend/internal/metrics"
	"github.com/propertyledger/backend/internal/middleware"
)

type Handlers struct {
	Escrow       *handlers.EscrowHandler
	Listing      *handlers.ListingHandler
	Interest     *handlers.InterestHandler
	Notification *handlers.NotificationHandler
	Operation    *handlers.OperationHandler
	History      *handlers.HistoryHandler
	Meta         *handlers.MetaHandler
	Stats        *handlers.StatsHandler
	WS           *handlers.WSHub
}

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	m *metrics.Registry,
	h Handlers,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	api := app.Group("/api/v1")

	// Public
	api.Get("/meta/settlement", h.Meta.GetSettlement)
	api.Get("/stats/marketplace", middleware.RateLimitMiddleware(rdb, 60, time.Minute), h.Stats.Marketplace)

	protected := api.Group("", middleware.AuthMiddleware(cfg, log))
	protected.Use(middleware.RateLimitMiddleware(rdb, 120, time.Minute))

	// Escrow
	protected.Post("/escrows", h.Escrow.CreateDeal)
	protected.Get("/escrows", h.Escrow.ListDeals)
	protected.Get("/escrows/:assetId", h.Escrow.GetDeal)
	protected.Post("/escrows/:assetId/deposit", h.Escrow.Deposit)
	protected.Post("/escrows/:assetId/complete", h.Escrow.Complete)
	protected.Post("/escrows/:assetId/cancel", h.Escrow.Cancel)
	protected.Post("/escrows/:assetId/refund", h.Escrow.Refund)

	// Marketplace
	protected.Post("/listings", h.Listing.List)
	protected.Get("/listings", h.Listing.ListListings)
	protected.Get("/listings/:assetId", h.Listing.GetListing)
	protected.Post("/listings/:assetId/buy", h.Listing.Buy)
	protected.Post("/listings/:assetId/cancel", h.Listing.Cancel)

	// Interests
	protected.Post("/assets/:assetId/interests", h.Interest.Express)
	protected.Get("/assets/:assetId/interests", h.Interest.ByAsset)
	protected.Post("/assets/:assetId/interests/:id/approve", h.Interest.Approve)
	protected.Delete("/assets/:assetId/interests/:id", h.Interest.Remove)
	protected.Get("/interests/mine", h.Interest.Mine)
	protected.Get("/interests/received", h.Interest.Received)
	protected.Get("/interests/stats", h.Interest.Stats)
	protected.Get("/assets/:assetId/history", h.History.ByAsset)

	// Records and notifications
	protected.Get("/transactions", h.Notification.Transactions)
	protected.Get("/notifications", h.Notification.Feed)
	protected.Get("/notifications/unread-count", h.Notification.UnreadCount)
	protected.Get("/notifications/:id", h.Notification.Detail)
	protected.Post("/notifications/:id/read", h.Notification.MarkRead)

	protected.Get("/operations/:ref", h.Operation.Get)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(h.WS.HandleWS))
}
