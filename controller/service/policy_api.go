package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/yaron8/buffer-sizing/link"
	"github.com/yaron8/buffer-sizing/policy"
	"github.com/yaron8/buffer-sizing/ratelimit"
)

// PolicyRequest carries policy inputs for one link. Absent fields are left
// unchanged.
type PolicyRequest struct {
	Rule        *string `json:"rule,omitempty"`
	RTTMs       *int64  `json:"rtt_ms,omitempty"`
	NumFlows    *int    `json:"num_flows,omitempty"`
	CustomBytes *int64  `json:"custom_bytes,omitempty"`
	RateKbps    *int64  `json:"rate_kbps,omitempty"`
	TargetBps   *int64  `json:"target_bps,omitempty"`
}

// PolicyHandler applies a PolicyRequest and returns the link status. Inputs
// are applied in field order; the first rejected input stops the request.
func (api *APIServer) PolicyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	linkID := r.URL.Query().Get("link")
	c, ok := api.controllers[linkID]
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown link %q", linkID), http.StatusNotFound)
		return
	}

	var req PolicyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := applyPolicy(c, req); err != nil {
		api.logger.Warn("Policy request rejected", "link", linkID, "error", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	api.logger.Info("Policy updated", "link", linkID)
	api.writeJSON(w, http.StatusOK, c.Link().Status())
}

func applyPolicy(c *link.Controller, req PolicyRequest) error {
	if req.Rule != nil {
		rule, err := policy.ParseRule(*req.Rule)
		if err != nil {
			return fmt.Errorf("%w: %v", link.ErrInvalidInput, err)
		}
		if err := c.SetRule(rule); err != nil {
			return err
		}
	}
	if req.RTTMs != nil {
		if err := c.SetRTT(*req.RTTMs); err != nil {
			return err
		}
	}
	if req.NumFlows != nil {
		if err := c.SetNumFlows(*req.NumFlows); err != nil {
			return err
		}
	}
	if req.CustomBytes != nil {
		if err := c.SetCustomBuffer(*req.CustomBytes); err != nil {
			return err
		}
	}
	if req.RateKbps != nil {
		if err := c.SetRateLimit(*req.RateKbps); err != nil {
			return err
		}
	}
	if req.TargetBps != nil {
		if err := c.SetTargetRate(*req.TargetBps); err != nil {
			return err
		}
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, link.ErrInvalidInput), errors.Is(err, ratelimit.ErrRegisterOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrNoGenerator):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
