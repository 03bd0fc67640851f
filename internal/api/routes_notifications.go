package api

import (
	"github.com/gin-gonic/gin"

	"github.com/velinpetkov/eventnotify/internal/handlers"
)

func registerNotificationRoutes(api *gin.RouterGroup, handler *handlers.NotificationHandler, prefHandler *handlers.PreferenceHandler) {
	group := api.Group("/notifications")
	{
		group.POST("", handler.Send)
		group.GET("", handler.List)
		group.DELETE("", handler.Clear)
		group.GET("/:id", handler.Get)

		group.POST("/reminders/schedule", handler.Schedule)
		group.POST("/reminders/event", handler.ScheduleEventReminders)
		group.POST("/reminders/send", handler.SendReminder)

		group.POST("/digest/run", handler.RunDigest)

		group.POST("/preferences", prefHandler.Upsert)
		group.GET("/preferences", prefHandler.Get)
		group.PUT("/preferences", prefHandler.SetEnabled)
	}
}
