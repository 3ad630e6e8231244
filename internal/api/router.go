package api

import (
	"net/http"
	"time"

	// This blank import is required by swaggo to find the API definitions.
	_ "branchflow/backend/docs"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	"branchflow/backend/internal/metrics"
)

// NewRouter creates and configures a new chi router with all the application's routes.
func NewRouter(chatHandler *ChatHandler, modelHandler *ModelHandler, fileHandler *FileHandler) *chi.Mux {
	r := chi.NewRouter()

	// --- Global Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// --- Public Routes ---
	r.Get("/api/swagger/*", httpSwagger.WrapHandler)
	r.Handle("/metrics", metrics.Handler())

	// Liveness probe for container orchestration.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// --- API Version 1 Routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// Standard JSON routes get a request timeout so client connections
		// cannot hang indefinitely. Generations run on the service's own
		// context, so a timeout here never stops one.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			// --- Chats ---
			r.Get("/chats", chatHandler.GetChats)
			r.Post("/chats", chatHandler.CreateChat)
			r.Get("/chats/{chatID}", chatHandler.GetChat)
			r.Put("/chats/{chatID}/title", chatHandler.UpdateChatTitle)
			r.Delete("/chats/{chatID}", chatHandler.HandleDeleteChat)
			r.Get("/chats/{chatID}/path", chatHandler.GetPath)
			r.Get("/chats/{chatID}/can-change", chatHandler.GetCanChangePath)
			r.Post("/chats/{chatID}/turns", chatHandler.SubmitTurn)

			// --- Messages ---
			r.Get("/messages/{messageID}", chatHandler.GetMessage)
			r.Put("/messages/{messageID}", chatHandler.EditMessage)
			r.Delete("/messages/{messageID}", chatHandler.DeleteMessage)
			r.Post("/messages/{messageID}/select", chatHandler.SelectSibling)
			r.Post("/messages/{messageID}/regenerate", chatHandler.HandleRegenerateMessage)
			r.Post("/messages/{messageID}/cancel", chatHandler.CancelMessage)
			r.Post("/messages/{messageID}/persist", chatHandler.PersistMessage)

			// --- Files ---
			r.Post("/files", fileHandler.HandleUpload)

			// --- Models ---
			r.Get("/models", modelHandler.HandleListModels)
			r.Get("/models/{provider}", modelHandler.HandleListProviderModels)
			r.Get("/option-sets", modelHandler.HandleListOptionSets)
			r.Put("/option-sets", modelHandler.HandleSaveOptionSet)
		})

		// Streaming routes hold the connection open for as long as a
		// generation runs and must NOT have a timeout.
		r.Group(func(r chi.Router) {
			r.Get("/messages/{messageID}/progress", chatHandler.StreamProgress)
		})
	})

	return r
}
