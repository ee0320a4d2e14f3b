// Package httpapi is the job control surface: configure, start, pause,
// resume and cancel migrations over HTTP, plus the read-only status,
// results and history views.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tcmigrate/tcmigrate/internal/coordinator"
)

type Handler struct {
	coord *coordinator.Coordinator
}

func NewHandler(coord *coordinator.Coordinator) *Handler {
	return &Handler{coord: coord}
}

// configure validates and registers a job. The returned status carries
// state "idle": configured, waiting for an explicit start.
func (h *Handler) configure(w http.ResponseWriter, r *http.Request) {
	var spec coordinator.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload: "+err.Error())
		return
	}
	st, err := h.coord.Configure(r.Context(), spec)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, st)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	st, err := h.coord.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, st)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	st, err := h.coord.Pause(chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	st, err := h.coord.Resume(chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

type cancelRequest struct {
	TerminateResources bool `json:"terminateResources"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload: "+err.Error())
		return
	}
	st, err := h.coord.Cancel(chi.URLParam(r, "id"), req.TerminateResources)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.coord.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	results, err := h.coord.Results(chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, results)
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coord.Statistics(chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, stats)
}

func (h *Handler) attachments(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coord.AttachmentStats(chi.URLParam(r, "id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, stats)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.coord.History()
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, jobs)
}
