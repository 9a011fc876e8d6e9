package api

// setupRoutes configures all API routes
func (s *Server) setupRoutes(keys *Keyring) {
	s.router.GET("/", s.handleRoot)

	v1 := s.router.Group("/api/v1")
	v1.GET("/health", s.handleGetHealth)

	secured := v1.Group("")
	secured.Use(keys.AuthMiddleware())
	{
		read := secured.Group("", keys.RequirePermission(PermOrdersRead))
		read.GET("/orders", s.handleListOrders)
		read.GET("/orders/:id", s.handleGetOrder)
		read.GET("/stats", s.handleGetStats)
		read.GET("/journal/orders", s.handleRecentOrders)
		read.GET("/journal/orders/:id", s.handleJournalOrder)
		read.GET("/journal/orders/:id/transitions", s.handleTransitions)

		write := secured.Group("", keys.RequirePermission(PermOrdersWrite))
		write.POST("/orders/buy", s.handlePlaceBuy)
		write.POST("/orders/sell", s.handlePlaceSell)
		write.POST("/orders/:id/adjust", s.handleAdjustOrder)
		write.DELETE("/orders/:id", s.handleCancelOrder)

		admin := secured.Group("", keys.RequirePermission(PermGatewayAdmin))
		admin.GET("/gateway/limits", s.handleGetLimits)
		admin.PATCH("/gateway/limits", s.handleUpdateLimits)
		admin.DELETE("/gateway/stats", s.handleResetGatewayStats)
	}
}
