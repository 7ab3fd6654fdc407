package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/conduitcache/semcache/metering"
	"github.com/conduitcache/semcache/payloadstore"
	"github.com/conduitcache/semcache/vectorindex"
	"github.com/go-chi/chi/v5"
)

// adminHandler exposes cache introspection and invalidation endpoints,
// not part of the provider-facing chat surface.
type adminHandler struct {
	store     *payloadstore.Store
	index     *vectorindex.Client
	ledger    *metering.Ledger
	namespace string
}

type statsResponse struct {
	Namespace   string `json:"namespace"`
	TokensSaved int64  `json:"tokensSaved"`
}

func (a *adminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Namespace:   a.namespace,
		TokensSaved: a.ledger.TokensSaved(a.namespace),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (a *adminHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, `{"error":"missing id"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.Del(ctx, id); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadGateway)
		return
	}
	if err := a.index.Delete(ctx, id); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
