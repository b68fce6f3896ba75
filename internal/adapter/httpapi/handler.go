// Package httpapi exposes lab ordering over HTTP with gin.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"opd-emr/internal/laborder"
	"opd-emr/internal/platform/sqlite"
)

// LabService is the lab ordering surface used by the handlers.
type LabService interface {
	CreateOrder(ctx context.Context, h laborder.Header, items []laborder.Item) (laborder.Order, error)
	GetOrder(ctx context.Context, id int64) (laborder.Order, error)
	ListTests(ctx context.Context, category string) ([]laborder.Test, error)
	SearchTests(ctx context.Context, term string) ([]laborder.Test, error)
	GetTest(ctx context.Context, id int64) (laborder.Test, error)
	Categories(ctx context.Context) ([]laborder.Category, error)
	UpdatePrices(ctx context.Context, price float64) (laborder.PriceUpdate, error)
}

// HealthChecker reports store health.
type HealthChecker interface {
	Health(ctx context.Context) (sqlite.Status, error)
}

// Handler serves /api/lab.
type Handler struct {
	svc    LabService
	health HealthChecker
	log    *slog.Logger

	orderLimit *RateLimiter
}

func NewHandler(svc LabService, health HealthChecker, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, health: health, log: log}
}

// WithOrderRateLimit throttles order creation per client. A zero rate disables it.
func (h *Handler) WithOrderRateLimit(rate time.Duration) *Handler {
	if rate > 0 {
		h.orderLimit = NewRateLimiter(rate)
	}
	return h
}

// RegisterRoutes mounts the lab endpoints on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	lab := r.Group("/api/lab")
	lab.GET("/health", h.Health)
	lab.GET("/tests", h.ListTests)
	lab.GET("/tests/:id", h.GetTest)
	lab.GET("/categories", h.Categories)
	lab.PUT("/prices", h.UpdatePrices)
	if h.orderLimit != nil {
		lab.POST("/orders", h.orderLimit.Middleware("create lab order"), h.CreateOrder)
	} else {
		lab.POST("/orders", h.CreateOrder)
	}
	lab.GET("/orders/:id", h.GetOrder)
}

type createOrderRequest struct {
	laborder.Header
	Items []laborder.Item `json:"items"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	const op = "create lab order"
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, op, "invalid request body")
		return
	}

	order, err := h.svc.CreateOrder(c.Request.Context(), req.Header, req.Items)
	if err != nil {
		h.fail(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) GetOrder(c *gin.Context) {
	const op = "fetch lab order"
	id, ok := h.pathID(c, op)
	if !ok {
		return
	}

	order, err := h.svc.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type testsResponse struct {
	Tests    []laborder.Test `json:"tests"`
	Count    int             `json:"count"`
	Category string          `json:"category,omitempty"`
	Search   string          `json:"searchTerm,omitempty"`
}

// ListTests serves ?q= as a ranked search and ?category= as a filter.
func (h *Handler) ListTests(c *gin.Context) {
	const op = "fetch lab tests"
	var (
		tests []laborder.Test
		err   error
		resp  testsResponse
	)
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		resp.Search = q
		tests, err = h.svc.SearchTests(c.Request.Context(), q)
	} else {
		resp.Category = strings.TrimSpace(c.Query("category"))
		tests, err = h.svc.ListTests(c.Request.Context(), resp.Category)
	}
	if err != nil {
		h.fail(c, op, err)
		return
	}

	resp.Tests = tests
	resp.Count = len(tests)
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetTest(c *gin.Context) {
	const op = "fetch lab test"
	id, ok := h.pathID(c, op)
	if !ok {
		return
	}

	test, err := h.svc.GetTest(c.Request.Context(), id)
	if err != nil {
		h.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, test)
}

func (h *Handler) Categories(c *gin.Context) {
	const op = "fetch lab test categories"
	cats, err := h.svc.Categories(c.Request.Context())
	if err != nil {
		h.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": cats})
}

type updatePricesRequest struct {
	Price *float64 `json:"price" binding:"required"`
}

func (h *Handler) UpdatePrices(c *gin.Context) {
	const op = "update lab test prices"
	var req updatePricesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, op, "price is required")
		return
	}

	res, err := h.svc.UpdatePrices(c.Request.Context(), *req.Price)
	if err != nil {
		h.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Health(c *gin.Context) {
	const op = "check database"
	status, err := h.health.Health(c.Request.Context())
	if err != nil {
		h.log.Warn("health check failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "operation": op})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "database": status})
}

func (h *Handler) pathID(c *gin.Context, op string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(c, op, "invalid id")
		return 0, false
	}
	return id, true
}
