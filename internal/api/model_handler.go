package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"branchflow/backend/internal/interfaces"
	"branchflow/backend/internal/model"
)

// ModelHandler handles HTTP requests for models and their option sets.
type ModelHandler struct {
	service    interfaces.ModelService
	optionSets interfaces.OptionSetService
}

func NewModelHandler(svc interfaces.ModelService, optionSets interfaces.OptionSetService) *ModelHandler {
	return &ModelHandler{service: svc, optionSets: optionSets}
}

// HandleListModels godoc
// @Summary      List models
// @Description  Lists the models of every registered provider. Providers that cannot be reached are listed without models.
// @Tags         Models
// @Produce      json
// @Success      200  {object}  map[string][]llm.ModelInfo
// @Router       /v1/models [get]
func (h *ModelHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.service.List(r.Context()))
}

// HandleListProviderModels godoc
// @Summary      List the models of one provider
// @Tags         Models
// @Produce      json
// @Param        provider  path  string  true  "Provider name"
// @Success      200  {array}   llm.ModelInfo
// @Failure      404  {object}  ErrorResponse
// @Failure      502  {object}  ErrorResponse
// @Router       /v1/models/{provider} [get]
func (h *ModelHandler) HandleListProviderModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.service.ListProvider(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models)
}

// HandleListOptionSets godoc
// @Summary      List option sets
// @Tags         Models
// @Produce      json
// @Success      200  {array}   model.OptionSet
// @Failure      500  {object}  ErrorResponse
// @Router       /v1/option-sets [get]
func (h *ModelHandler) HandleListOptionSets(w http.ResponseWriter, r *http.Request) {
	sets, err := h.optionSets.List(r.Context())
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sets)
}

// HandleSaveOptionSet godoc
// @Summary      Save an option set
// @Description  Creates or replaces the option set of a (provider, model) pair.
// @Tags         Models
// @Accept       json
// @Produce      json
// @Param        optionSet  body  model.OptionSet  true  "Option set"
// @Success      200  {object}  model.OptionSet
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/option-sets [put]
func (h *ModelHandler) HandleSaveOptionSet(w http.ResponseWriter, r *http.Request) {
	var set model.OptionSet
	if err := decodeBody(r, &set); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.optionSets.Save(r.Context(), &set); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, set)
}
