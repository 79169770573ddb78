package server

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the handler on router. Optional components that
// were not provided have no routes.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ping", h.Ping)

	router.POST("/", h.Provision)
	router.POST("/provision-server", h.Provision)

	if h.wallets != nil {
		w := router.Group("/wallet")
		w.POST("/connect", h.ConnectWallet)
		w.GET("/session", h.WalletSession)
		w.POST("/disconnect", h.DisconnectWallet)
	}

	if h.fleet != nil {
		f := router.Group("/fleet")
		f.GET("/history", h.FleetHistory)
		f.GET("/stream", h.FleetStream)
	}

	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}
}
