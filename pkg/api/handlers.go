package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/models"
	"github.com/beak-insights/BeakDashX/pkg/realtime"
	"github.com/beak-insights/BeakDashX/pkg/services"
)

// APIHandler handles HTTP API requests
type APIHandler struct {
	service *services.QualityService
	hub     *realtime.Hub
	auth    echo.MiddlewareFunc
}

// NewAPIHandler creates a new API handler. hub may be nil, in which case
// the stream endpoint is not registered.
func NewAPIHandler(service *services.QualityService, hub *realtime.Hub) *APIHandler {
	return &APIHandler{service: service, hub: hub}
}

// UseAuth protects every route with the given middleware
func (h *APIHandler) UseAuth(m echo.MiddlewareFunc) {
	h.auth = m
}

func paramID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", models.ErrInvalidInput, name, c.Param(name))
	}
	return id, nil
}

// errorResponse maps service errors onto HTTP statuses
func errorResponse(c echo.Context, err error, action string) error {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		logrus.Errorf("Error %s: %v", action, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Failed %s", action)})
	}
}

// RunQuery runs a query now and returns its result
func (h *APIHandler) RunQuery(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err, "running query")
	}
	if err := h.service.AuthorizeQuery(c.Request().Context(), userID(c), id); err != nil {
		return errorResponse(c, err, "running query")
	}
	result, err := h.service.RunQueryNow(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err, "running query")
	}
	return c.JSON(http.StatusOK, result)
}

// CancelQuery cancels the run in flight for a query
func (h *APIHandler) CancelQuery(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err, "cancelling query")
	}
	if err := h.service.AuthorizeQuery(c.Request().Context(), userID(c), id); err != nil {
		return errorResponse(c, err, "cancelling query")
	}
	if !h.service.CancelRun(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": fmt.Sprintf("Query %d has no run in flight", id)})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Run cancelled"})
}

// GetResults returns the latest results of a query
func (h *APIHandler) GetResults(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err, "getting results")
	}
	if err := h.service.AuthorizeQuery(c.Request().Context(), userID(c), id); err != nil {
		return errorResponse(c, err, "getting results")
	}
	limit := 0
	if s := c.QueryParam("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
		}
	}
	results, err := h.service.ListResults(c.Request().Context(), id, limit)
	if err != nil {
		return errorResponse(c, err, "getting results")
	}
	return c.JSON(http.StatusOK, results)
}

// GetResult returns one execution result
func (h *APIHandler) GetResult(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err, "getting result")
	}
	if err := h.service.AuthorizeResult(c.Request().Context(), userID(c), id); err != nil {
		return errorResponse(c, err, "getting result")
	}
	result, err := h.service.GetResult(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err, "getting result")
	}
	return c.JSON(http.StatusOK, result)
}

// GetAlerts returns alerts, optionally filtered by query and status
func (h *APIHandler) GetAlerts(c echo.Context) error {
	filter := models.AlertFilter{UserID: userID(c)}
	if s := c.QueryParam("queryId"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid queryId"})
		}
		filter.QueryID = id
	}
	if s := c.QueryParam("status"); s != "" {
		switch st := models.AlertStatus(s); st {
		case models.AlertStatusActive, models.AlertStatusSnoozed, models.AlertStatusResolved:
			filter.Status = st
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid status %q", s)})
		}
	}
	alerts, err := h.service.ListAlerts(c.Request().Context(), filter)
	if err != nil {
		return errorResponse(c, err, "getting alerts")
	}
	return c.JSON(http.StatusOK, alerts)
}

// GetNotifications returns the delivery log of an alert
func (h *APIHandler) GetNotifications(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err, "getting notifications")
	}
	if err := h.service.AuthorizeAlert(c.Request().Context(), userID(c), id); err != nil {
		return errorResponse(c, err, "getting notifications")
	}
	rows, err := h.service.ListNotifications(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err, "getting notifications")
	}
	return c.JSON(http.StatusOK, rows)
}

// SnoozeAlert silences an alert for some minutes or until a time
func (h *APIHandler) SnoozeAlert(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err, "snoozing alert")
	}
	if err := h.service.AuthorizeAlert(c.Request().Context(), userID(c), id); err != nil {
		return errorResponse(c, err, "snoozing alert")
	}
	var req models.SnoozeAlertRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request format"})
	}
	alert, err := h.service.SnoozeAlert(c.Request().Context(), id, req)
	if err != nil {
		return errorResponse(c, err, "snoozing alert")
	}
	return c.JSON(http.StatusOK, alert)
}

// ResolveAlert closes an alert by hand
func (h *APIHandler) ResolveAlert(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err, "resolving alert")
	}
	if err := h.service.AuthorizeAlert(c.Request().Context(), userID(c), id); err != nil {
		return errorResponse(c, err, "resolving alert")
	}
	alert, err := h.service.ResolveAlert(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err, "resolving alert")
	}
	return c.JSON(http.StatusOK, alert)
}

// ReactivateAlert reopens an alert
func (h *APIHandler) ReactivateAlert(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err, "reactivating alert")
	}
	if err := h.service.AuthorizeAlert(c.Request().Context(), userID(c), id); err != nil {
		return errorResponse(c, err, "reactivating alert")
	}
	alert, err := h.service.ReactivateAlert(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err, "reactivating alert")
	}
	return c.JSON(http.StatusOK, alert)
}

// TestConnection checks that a connection answers SELECT 1
func (h *APIHandler) TestConnection(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err, "testing connection")
	}
	if err := h.service.AuthorizeConnection(c.Request().Context(), userID(c), id); err != nil {
		return errorResponse(c, err, "testing connection")
	}
	res, err := h.service.TestConnection(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err, "testing connection")
	}
	return c.JSON(http.StatusOK, res)
}

// Stream upgrades to a websocket carrying the caller's pipeline events
func (h *APIHandler) Stream(c echo.Context) error {
	if err := h.hub.Serve(c.Response(), c.Request(), userID(c)); err != nil {
		logrus.Debugf("Websocket upgrade failed: %v", err)
	}
	return nil
}

// SetupRoutes sets up the API routes
func (h *APIHandler) SetupRoutes(e *echo.Echo) {
	var g *echo.Group
	if h.auth != nil {
		g = e.Group("/api/db-qa", h.auth)
	} else {
		g = e.Group("/api/db-qa")
	}

	// Query endpoints
	g.POST("/queries/:id/run", h.RunQuery)
	g.POST("/queries/:id/cancel", h.CancelQuery)
	g.GET("/queries/:id/results", h.GetResults)
	g.GET("/results/:id", h.GetResult)

	// Alert endpoints
	g.GET("/alerts", h.GetAlerts)
	g.GET("/alerts/:id/notifications", h.GetNotifications)
	g.POST("/alerts/:id/snooze", h.SnoozeAlert)
	g.POST("/alerts/:id/resolve", h.ResolveAlert)
	g.POST("/alerts/:id/reactivate", h.ReactivateAlert)

	// Connection endpoints
	g.POST("/connections/:id/test", h.TestConnection)

	if h.hub != nil {
		g.GET("/stream", h.Stream)
	}
}
