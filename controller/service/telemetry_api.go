package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/yaron8/buffer-sizing/link"
	"github.com/yaron8/buffer-sizing/measurement"
	"github.com/yaron8/buffer-sizing/telemetrics"
)

func (api *APIServer) ListLinksHandler(w http.ResponseWriter, r *http.Request) {
	statuses := make([]link.Status, 0, len(api.order))
	for _, id := range api.order {
		statuses = append(statuses, api.controllers[id].Link().Status())
	}
	api.writeJSON(w, http.StatusOK, statuses)
}

func (api *APIServer) GetSamplesHandler(w http.ResponseWriter, r *http.Request) {
	linkID := r.URL.Query().Get("link")
	if linkID == "" {
		http.Error(w, "Missing link parameter", http.StatusBadRequest)
		return
	}
	if _, ok := api.controllers[linkID]; !ok {
		http.Error(w, fmt.Sprintf("Unknown link %q", linkID), http.StatusNotFound)
		return
	}

	name := r.URL.Query().Get("series")
	if name == "" {
		http.Error(w, "Missing series parameter", http.StatusBadRequest)
		return
	}
	series, ok := telemetrics.ParseSeries(name)
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown series %q", name), http.StatusBadRequest)
		return
	}

	samples, err := api.samples.GetSamples(r.Context(), linkID, series)
	if err != nil {
		api.logger.Error("Error retrieving samples", "link", linkID, "series", name, "error", err)
		http.Error(w, fmt.Sprintf("Error retrieving samples: %v", err), http.StatusInternalServerError)
		return
	}
	api.writeJSON(w, http.StatusOK, samples)
}

type referenceResponse struct {
	RateKbps     int64                     `json:"rate_kbps"`
	Measurements []measurement.Measurement `json:"measurements"`
	NumFlows     int64                     `json:"num_flows,omitempty"`
	BufferKB     *float64                  `json:"buffer_kb,omitempty"`
}

// ReferenceHandler serves the historical curve for rate_kbps and, with
// num_flows, the weighted reference buffer for that point.
func (api *APIServer) ReferenceHandler(w http.ResponseWriter, r *http.Request) {
	if api.reference == nil {
		http.Error(w, "No measurement file configured", http.StatusNotFound)
		return
	}

	rate, err := strconv.ParseInt(r.URL.Query().Get("rate_kbps"), 10, 64)
	if err != nil || rate <= 0 {
		http.Error(w, "Missing or invalid rate_kbps parameter", http.StatusBadRequest)
		return
	}

	resp := referenceResponse{RateKbps: rate, Measurements: api.reference.ForRate(rate)}
	if resp.Measurements == nil {
		resp.Measurements = []measurement.Measurement{}
	}

	if flows := r.URL.Query().Get("num_flows"); flows != "" {
		n, err := strconv.ParseInt(flows, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid num_flows parameter", http.StatusBadRequest)
			return
		}
		resp.NumFlows = n
		if kb, ok := api.reference.ReferenceBufferKB(n, rate); ok {
			resp.BufferKB = &kb
		}
	}
	api.writeJSON(w, http.StatusOK, resp)
}

func (api *APIServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Can't send error response after WriteHeader, just log it
		api.logger.Error("Error encoding response to JSON", "error", err)
	}
}
