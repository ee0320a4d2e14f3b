package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeMessage(w, http.StatusOK, "ok") })

	r.Route("/migration", func(r chi.Router) {
		r.Get("/", handler.history)
		r.Post("/configure", handler.configure)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.status)
			r.Post("/start", handler.start)
			r.Post("/pause", handler.pause)
			r.Post("/resume", handler.resume)
			r.Post("/cancel", handler.cancel)
			r.Get("/results", handler.results)
			r.Get("/statistics", handler.statistics)
			r.Get("/attachments", handler.attachments)
		})
	})
	return r
}
