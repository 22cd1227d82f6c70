package monitor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/scalarorg/svm-aptos-relayer/pkg/store"
	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// defaultListLimit bounds GET /api/v1/settlements when ?limit= is absent.
const defaultListLimit = 100

// staleAfter bounds how long a health probe result is trusted before
// /health treats the component as unreachable, per spec.md §4.6's "healthy
// in last check window" wording.
const staleAfter = 2 * time.Minute

// ComponentHealth reports the outcome and timestamp of the most recent
// health probe for a single component (store, source chain, destination
// chain).
type ComponentHealth func() (healthy bool, checkedAt time.Time)

// Handler wires the monitor's HTTP surface to the store and to live
// component health probes.
type Handler struct {
	store             store.Store
	snapshot          *Snapshot
	storeHealthy      ComponentHealth
	sourceHealthy     ComponentHealth
	destinationHealty ComponentHealth
}

// NewHandler constructs a Handler.
func NewHandler(st store.Store, snapshot *Snapshot, storeHealthy, sourceHealthy, destinationHealthy ComponentHealth) *Handler {
	return &Handler{
		store:             st,
		snapshot:          snapshot,
		storeHealthy:      storeHealthy,
		sourceHealthy:     sourceHealthy,
		destinationHealty: destinationHealthy,
	}
}

// Register mounts every handler onto router, matching the paths in
// spec.md §4.6.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/settlements", h.handleListSettlements).Methods(http.MethodGet)
	api.HandleFunc("/settlements/{source_tx_hash}", h.handleGetSettlement).Methods(http.MethodGet)
}

type componentStatus struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked_at"`
}

type healthResponse struct {
	Status      string          `json:"status"`
	Store       componentStatus `json:"store"`
	Source      componentStatus `json:"source_chain"`
	Destination componentStatus `json:"destination_chain"`
}

func evalComponent(probe ComponentHealth) componentStatus {
	if probe == nil {
		return componentStatus{Healthy: true}
	}
	healthy, checkedAt := probe()
	if healthy && !checkedAt.IsZero() && time.Since(checkedAt) > staleAfter {
		healthy = false
	}
	return componentStatus{Healthy: healthy, LastChecked: checkedAt}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	store := evalComponent(h.storeHealthy)
	source := evalComponent(h.sourceHealthy)
	dest := evalComponent(h.destinationHealty)

	status := "ok"
	code := http.StatusOK
	if !store.Healthy || !source.Healthy || !dest.Healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	respondWithJSON(w, code, healthResponse{
		Status:      status,
		Store:       store,
		Source:      source,
		Destination: dest,
	})
}

type statusResponse struct {
	Counts           map[types.Status]int64 `json:"counts"`
	InFlight         int64                   `json:"in_flight"`
	UptimeSeconds    float64                 `json:"uptime_seconds"`
	LastSettlementAt *time.Time              `json:"last_settlement_at,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary := h.snapshot.Summary()
	respondWithJSON(w, http.StatusOK, statusResponse{
		Counts:           summary.Counts,
		InFlight:         summary.InFlight,
		UptimeSeconds:    summary.Uptime.Seconds(),
		LastSettlementAt: summary.LastSettlementAt,
	})
}

// handleListSettlements serves GET /api/v1/settlements?limit=N: the most
// recently admitted records across every status, newest first. There is no
// status filter in the documented contract.
func (h *Handler) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := h.store.List(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("monitor: list settlements failed")
		respondWithError(w, http.StatusInternalServerError, "failed to list settlements")
		return
	}
	respondWithJSON(w, http.StatusOK, recs)
}

func (h *Handler) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["source_tx_hash"]
	rec, err := h.store.Get(r.Context(), hash)
	if err == store.ErrNotFound {
		respondWithError(w, http.StatusNotFound, "settlement not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("monitor: get settlement failed")
		respondWithError(w, http.StatusInternalServerError, "failed to load settlement")
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("monitor: failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}
