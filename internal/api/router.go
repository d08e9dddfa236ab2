package api

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/lensgen_server/config"
	"github.com/qs3c/lensgen_server/internal/api/handler"
	"github.com/qs3c/lensgen_server/internal/api/middleware"
)

type Router struct {
	reservationHandler *handler.ReservationHandler
	generationHandler  *handler.GenerationHandler
	websocketHandler   *handler.WebSocketHandler
	cfg                *config.Config
}

func NewRouter(
	reservationHandler *handler.ReservationHandler,
	generationHandler *handler.GenerationHandler,
	websocketHandler *handler.WebSocketHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		reservationHandler: reservationHandler,
		generationHandler:  generationHandler,
		websocketHandler:   websocketHandler,
		cfg:                cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))

	api := engine.Group("/api/v1")
	api.Use(middleware.Auth(r.cfg.JWT.Secret))
	{
		// WebSocket，token 走 query 参数
		if r.websocketHandler != nil {
			api.GET("/ws", r.websocketHandler.Handle)
		}

		// 额度
		api.GET("/quota", r.reservationHandler.GetQuota)
		reserve := api.Group("/quota/reserve")
		{
			reserve.POST("", r.reservationHandler.Reserve)
			reserve.PUT("", r.reservationHandler.PartialUpdate)
			reserve.DELETE("", r.reservationHandler.Release)
		}

		// 生成记录
		generations := api.Group("/generations/:taskId")
		{
			generations.GET("", r.generationHandler.Get)
			generations.PUT("/slots/:index", r.generationHandler.AppendSlot)
			generations.DELETE("/slots/:index", r.generationHandler.FailSlot)
			generations.POST("/finalize", r.generationHandler.Finalize)
		}
	}

	return engine
}
