package idmap

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes read-only mapping lookups on the admin API, used for
// operational inspection of the correlation table.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/mappings/:type/internal/:id", h.GetByInternalID)
	api.GET("/mappings/:type/external/:id", h.GetByExternalID)
	api.GET("/mappings/:type/patient/:healthId", h.ListByHealthID)
}

func entityType(c echo.Context) (EntityType, error) {
	t := EntityType(c.Param("type"))
	if !t.Valid() {
		return "", echo.NewHTTPError(http.StatusBadRequest, "unknown entity type")
	}
	return t, nil
}

func (h *Handler) GetByInternalID(c echo.Context) error {
	t, err := entityType(c)
	if err != nil {
		return err
	}
	m, err := h.store.FindByInternalID(c.Request().Context(), t, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if m == nil {
		return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) GetByExternalID(c echo.Context) error {
	t, err := entityType(c)
	if err != nil {
		return err
	}
	m, err := h.store.FindByExternalID(c.Request().Context(), t, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if m == nil {
		return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ListByHealthID(c echo.Context) error {
	t, err := entityType(c)
	if err != nil {
		return err
	}
	items, err := h.store.FindByHealthID(c.Request().Context(), t, c.Param("healthId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total": len(items),
		"items": items,
	})
}
