package api

import (
	"fmt"
	"net/http"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/files"
	"branchflow/backend/internal/interfaces"
)

// FileHandler accepts attachment uploads.
type FileHandler struct {
	service interfaces.FileService
}

func NewFileHandler(svc interfaces.FileService) *FileHandler {
	return &FileHandler{service: svc}
}

// HandleUpload godoc
// @Summary      Upload an attachment
// @Description  Stores a file and returns the reference to put into a turn's files.
// @Tags         Files
// @Accept       multipart/form-data
// @Produce      json
// @Param        file  formData  file  true  "File"
// @Success      201  {object}  model.FileRef
// @Failure      400  {object}  ErrorResponse
// @Router       /v1/files [post]
func (h *FileHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, files.MaxFileSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondWithError(w, fmt.Errorf("%w: a multipart field named 'file' is required", app_errors.ErrValidation))
		return
	}
	defer file.Close()

	ref, err := h.service.Save(r.Context(), header.Filename, file)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, ref)
}
