package server

import (
	"net/http"
	"strings"

	"github.com/fmueller/whisperd/internal/model"
	"github.com/go-chi/chi/v5"
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: a.Version})
}

func (a *App) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Cfg)
}

func (a *App) handleModelsList(w http.ResponseWriter, _ *http.Request) {
	ids := model.IDs()
	entries := make([]modelEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, modelEntry{ID: id, Object: "model", OwnedBy: "openai"})
	}
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: entries})
}

func (a *App) handleModelGet(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(chi.URLParam(r, "id"))
	info, ok := model.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: errorBody{
			Message: "model " + id + " does not exist",
			Type:    "invalid_request_error",
			Param:   "model",
			Code:    "model_not_found",
		}})
		return
	}

	writeJSON(w, http.StatusOK, modelEntry{ID: info.ID, Object: "model", OwnedBy: "openai"})
}
