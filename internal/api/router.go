package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		r.Get("/credential", apiHandler.GetCredentialHandler)
		r.Put("/credential", apiHandler.PutCredentialHandler)

		r.Get("/conversations", apiHandler.ListConversationsHandler)
		r.Get("/conversations/{key}", apiHandler.GetConversationHandler)
		r.Delete("/conversations/{key}", apiHandler.DeleteConversationHandler)

		r.Get("/documents", apiHandler.ListDocumentsHandler)
		r.Post("/documents", apiHandler.UploadDocumentsHandler)

		r.Get("/tutor/status", apiHandler.TutorStatusHandler)
		r.Get("/tutor/debug", apiHandler.TutorDebugHandler)
		r.Get("/tutor/settings", apiHandler.GetTutorSettingsHandler)
		r.Put("/tutor/settings", apiHandler.PutTutorSettingsHandler)

		// Routes that call the model need an API key
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.credentials.RequireCredential)

			r.Post("/chat", apiHandler.ChatHandler)
			r.Post("/tutor/init", apiHandler.InitTutorHandler)
			r.Post("/tutor/ask", apiHandler.AskTutorHandler)
			r.Post("/transcribe", apiHandler.TranscribeHandler)
		})
	})

	return r
}
