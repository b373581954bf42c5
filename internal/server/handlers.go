package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/fairval/internal/domain"
	"github.com/aristath/fairval/internal/valuation"
)

// handleEvaluate runs the full evaluation pipeline for one company
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req valuation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.valuation.Evaluate(r.Context(), req)
	if err != nil {
		if domain.IsValidation(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Str("company", req.Company).Msg("Evaluation failed")
		s.writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleCurrentWeights returns the weights in effect right now
func (s *Server) handleCurrentWeights(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	snapshot, err := s.store.GetActiveSnapshot(r.Context(), now)
	if err != nil {
		s.log.Error().Err(err).Msg("Active snapshot lookup failed")
	}

	response := map[string]interface{}{
		"weights": s.store.GetCurrentWeights(r.Context(), now),
		"source":  "defaults",
	}
	if snapshot != nil {
		response["source"] = "snapshot"
		response["snapshot_id"] = snapshot.ID
		response["effective_date"] = snapshot.EffectiveDate
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleWeightHistory lists recent weight snapshots, newest first
func (s *Server) handleWeightHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	history, err := s.store.ListHistory(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Weight history lookup failed")
		s.writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": history,
		"count":     len(history),
	})
}

// handleAccuracy returns per-method trailing accuracy statistics
func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	lookback := 90
	if v := r.URL.Query().Get("lookback_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 3650 {
			s.writeError(w, http.StatusBadRequest, "lookback_days must be between 1 and 3650")
			return
		}
		lookback = n
	}

	stats, err := s.store.GetModelAccuracyStats(r.Context(), lookback)
	if err != nil {
		s.log.Error().Err(err).Msg("Accuracy stats lookup failed")
		s.writeError(w, http.StatusInternalServerError, "accuracy lookup failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"lookback_days": lookback,
		"methods":       stats,
	})
}

// handleAlertStream pushes mispricing alerts over a websocket until the
// client disconnects
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "alert stream not enabled")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS policy is enforced by the router middleware
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	alerts, cancel := s.hub.Subscribe()
	defer cancel()

	s.log.Debug().Msg("Alert stream subscriber connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, alert)
			cancelWrite()
			if err != nil {
				s.log.Debug().Err(err).Msg("Alert stream write failed, dropping subscriber")
				return
			}
		}
	}
}

// handleHealth reports process and database health with system statistics
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK

	dbStatus := "ok"
	if s.db != nil {
		if err := s.db.QuickCheck(r.Context()); err != nil {
			dbStatus = err.Error()
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	cpuAvg, memUsed := systemStats(s.log)

	s.writeJSON(w, httpStatus, map[string]interface{}{
		"status":           status,
		"database":         dbStatus,
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"cpu_percent":      cpuAvg,
		"mem_used_percent": memUsed,
		"time":             time.Now().UTC(),
	})
}

// systemStats returns average CPU usage and memory usage percentages.
// Sampling is kept to 100ms so health probes stay fast.
func systemStats(log zerolog.Logger) (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
