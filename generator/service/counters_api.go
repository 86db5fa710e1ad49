package service

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/yaron8/buffer-sizing/generator/emulator"
)

type statusResponse struct {
	Queue emulator.State `json:"queue"`
	Stats emulator.Stats `json:"stats"`
}

// countersHandler handles the /counters endpoint
func (api *APIServer) countersHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := api.csvCounters.GetCSVCounters(r.Header.Get("If-None-Match"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error generating CSV counters: %v", err),
			http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", resp.ETag)
	if resp.HTTPResponseCode == http.StatusNotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(resp.HTTPResponseCode)
	fmt.Fprint(w, resp.CSVData)
}

// statusHandler reports the emulated queue settings and the protocol totals
func (api *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statusResponse{
		Queue: api.router.Queue().State(),
		Stats: api.router.Stats(),
	}); err != nil {
		api.logger.Error("Error encoding status response", "error", err)
	}
}
