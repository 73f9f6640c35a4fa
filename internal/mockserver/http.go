package mockserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// EndpointTestMode names the test-mode endpoint for Fail.
const EndpointTestMode = "test-mode"

type testModeRequest struct {
	DeviceID string `json:"deviceId"`
	TestMode bool   `json:"testMode"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// gate applies latency, hold and injected failures. It reports whether the
// request should proceed.
func (s *Server) gate(w http.ResponseWriter, r *http.Request, endpoint string, held bool) bool {
	s.dataMu.RLock()
	latency := s.latency
	hold := s.hold
	fail, failing := s.failures[endpoint]
	s.dataMu.RUnlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-r.Context().Done():
			return false
		}
	}
	if held && hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return false
		}
	}
	if failing {
		writeError(w, fail.status, fail.message)
		return false
	}
	token := bearer(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return false
	}
	if s.opts.Tokens != nil {
		if _, ok := s.opts.Tokens.Validate(token); !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return false
		}
	}
	return true
}

func (s *Server) collectionHandler(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.fetches[collection].Add(1)
		if !s.gate(w, r, collection, true) {
			return
		}

		s.dataMu.RLock()
		defer s.dataMu.RUnlock()
		switch collection {
		case CollectionDevices:
			writeJSON(w, http.StatusOK, s.devices)
		case CollectionZones:
			writeJSON(w, http.StatusOK, s.zones)
		case CollectionUsers:
			writeJSON(w, http.StatusOK, s.users)
		}
	}
}

func (s *Server) handleTestMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.gate(w, r, EndpointTestMode, false) {
		return
	}

	var req testModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	s.dataMu.Lock()
	s.testModes = append(s.testModes, TestModeCall{DeviceID: req.DeviceID, TestMode: req.TestMode, Token: bearer(r)})
	s.dataMu.Unlock()

	s.log.Debug().Str("device", req.DeviceID).Bool("test_mode", req.TestMode).Msg("test mode notification")
	s.BroadcastMonitoring(req.DeviceID, req.TestMode)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
