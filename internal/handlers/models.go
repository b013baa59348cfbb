package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"tokenrelay-gateway/internal/models"
	"tokenrelay-gateway/pkg/logging/logging"
)

// Catalog is the model listing behind /models.
type Catalog interface {
	Get(ctx context.Context) ([]byte, error)
	Put(ctx context.Context, raw []byte) error
}

type ModelsHandler struct {
	catalog Catalog
}

func NewModelsHandler(catalog Catalog) *ModelsHandler {
	return &ModelsHandler{catalog: catalog}
}

// List handles GET /models.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := h.catalog.Get(ctx)
	if err != nil {
		logging.L(ctx).Warn("models_fetch_failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream_unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// Replace handles POST /models. The body becomes the served listing.
func (h *ModelsHandler) Replace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	if err := h.catalog.Put(ctx, raw); err != nil {
		if errors.Is(err, models.ErrInvalidCatalog) {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
		logging.L(ctx).Error("models_store_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_server_error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Healthy"))
}
