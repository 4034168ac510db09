package feed

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Handler exposes parked failed events on the admin API. Deleting one is
// the operator's acknowledgement; the event will be re-applied only if it
// comes around on the feed again.
type Handler struct {
	failed FailedEventRepo
}

func NewHandler(failed FailedEventRepo) *Handler {
	return &Handler{failed: failed}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/failed-events", h.List)
	api.DELETE("/failed-events/:id", h.Delete)
}

func (h *Handler) List(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	items, err := h.failed.List(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total": len(items),
		"items": items,
	})
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.failed.Delete(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
