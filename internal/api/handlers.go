package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/pipeline"
	"github.com/sells-group/synthesis-cli/internal/store"
	"github.com/sells-group/synthesis-cli/internal/strategy"
)

// analysisResponse is returned by the analyze and batch endpoints.
type analysisResponse struct {
	RunID       string          `json:"run_id"`
	Status      model.RunStatus `json:"status"`
	FailedStage model.StageName `json:"failed_stage,omitempty"`
	Error       string          `json:"error,omitempty"`
	StatusURL   string          `json:"status_url,omitempty"`
	Bundle      *model.Bundle   `json:"result,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":    strategy.Default,
		"strategies": strategy.List(),
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var in model.Input
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Run ids are assigned by the server.
	in.RunID = ""

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		id, err := s.analyzer.Start(r.Context(), in)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, analysisResponse{
			RunID:     id,
			Status:    model.RunStatusProcessing,
			StatusURL: "/analyses/" + id + "/status",
		})
		return
	}

	res, err := s.analyzer.Run(r.Context(), in)
	if res == nil {
		writeError(w, errorStatus(err), err)
		return
	}
	resp := toResponse(res, err)
	if res.Status == model.RunStatusFailed {
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var inputs []model.Input
	if err := decodeBody(w, r, &inputs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, eris.New("batch is empty"))
		return
	}
	if len(inputs) > s.maxBatch {
		writeError(w, http.StatusBadRequest, eris.Errorf("batch of %d exceeds the limit of %d", len(inputs), s.maxBatch))
		return
	}
	for i := range inputs {
		inputs[i].RunID = ""
	}

	items := s.analyzer.RunBatch(r.Context(), inputs)
	results := make([]analysisResponse, len(items))
	var failed int
	for i, item := range items {
		if item.Result == nil {
			failed++
			results[i] = analysisResponse{Status: model.RunStatusFailed, Error: errMessage(item.Err)}
			continue
		}
		if item.Result.Status == model.RunStatusFailed {
			failed++
		}
		results[i] = toResponse(item.Result, item.Err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   results,
		"total":     len(items),
		"failed":    failed,
		"completed": len(items) - failed,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:   model.RunStatus(q.Get("status")),
		Strategy: q.Get("strategy"),
	}
	if filter.Strategy != "" {
		filter.Strategy = strategy.Normalize(filter.Strategy)
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "limit"))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "offset"))
		return
	}

	runs, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []model.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": runs, "count": len(runs)})
}

// handleGet returns the bundle of a completed run, or the run summary while
// it is processing or after it failed.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	b, err := store.LoadBundle(r.Context(), s.store, id)
	if err == nil {
		writeJSON(w, http.StatusOK, b)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	run, err := s.store.Read(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	code := http.StatusOK
	if run.Status == model.RunStatusProcessing {
		code = http.StatusAccepted
	}
	writeJSON(w, code, run.Summarize())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Read(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id, key := chi.URLParam(r, "runID"), chi.URLParam(r, "key")
	if !slices.Contains(model.ArtifactKeys(), key) {
		writeError(w, http.StatusNotFound, eris.Errorf("unknown artifact %q", key))
		return
	}
	data, err := s.store.Load(r.Context(), id, key)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusNotImplemented, eris.New("stats are not configured"))
		return
	}
	hours, err := intParam(r.URL.Query().Get("hours"))
	if err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "hours"))
		return
	}
	snap, err := s.stats.Collect(r.Context(), hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func toResponse(res *pipeline.Result, err error) analysisResponse {
	resp := analysisResponse{
		RunID:       res.RunID,
		Status:      res.Status,
		FailedStage: res.FailedStage,
		Bundle:      res.Bundle,
	}
	if err != nil {
		resp.Error = errMessage(err)
	}
	return resp
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEmptyInput), errors.Is(err, strategy.ErrUnknownStrategy):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("must be a non-negative integer, got %q", v)
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return eris.Errorf("invalid request body: %s", strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": errMessage(err)})
}
