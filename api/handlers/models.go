package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pbateman/ggufserve/api"
	"github.com/pbateman/ggufserve/types"
)

// ModelInfoProvider exposes the loaded model's description.
type ModelInfoProvider interface {
	Info() types.ModelInfo
}

// ModelsHandler serves GET /api/v1/models. The server fronts exactly one
// model, so the list has one entry.
type ModelsHandler struct {
	backend ModelInfoProvider
	logger  *zap.Logger
}

// NewModelsHandler creates a models handler.
func NewModelsHandler(backend ModelInfoProvider, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{backend: backend, logger: logger}
}

func (h *ModelsHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, api.ModelsResponse{
		Object: "list",
		Data:   []types.ModelInfo{h.backend.Info()},
	})
}
