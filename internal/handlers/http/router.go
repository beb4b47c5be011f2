package http

import (
	"net/http"
	"os"

	"framerelay/internal/core/ports"
	"framerelay/internal/infrastructure/middleware"
	"framerelay/internal/infrastructure/monitoring"
	"framerelay/pkg/config"
	"framerelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Config    *config.Config
	WebSocket http.Handler
	Directory ports.RoomDirectory
	Health    *monitoring.HealthChecker
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.SugaredLogger
}

// NewRouter builds the HTTP surface: the websocket endpoint, health and
// readiness probes, metrics, the room API and the static front-end.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(deps.Logger),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(deps.Logger.Desugar())),
		middleware.NewHTTPRateLimitMiddleware(deps.Config),
		middleware.ErrorHandlerMiddleware(deps.Logger),
	)

	NewHealthHandler(deps.Health).SetupRoutes(router)
	NewRoomHandler(deps.Directory).SetupRoutes(router)

	router.GET("/ws", gin.WrapH(deps.WebSocket))

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	if dir := deps.Config.Server.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			files := http.FileServer(http.Dir(dir))
			router.NoRoute(func(c *gin.Context) {
				if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
					c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "not found"})
					return
				}
				files.ServeHTTP(c.Writer, c.Request)
			})
		} else {
			deps.Logger.Warnw("static directory not found, front-end disabled", "static_dir", dir)
		}
	}

	return router
}
