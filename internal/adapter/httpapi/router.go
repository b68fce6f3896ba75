package httpapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with the lab routes mounted.
func NewRouter(h *Handler, log *slog.Logger, requestTimeout time.Duration) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Logger(log), Timeout(requestTimeout))
	h.RegisterRoutes(r)
	return r
}
