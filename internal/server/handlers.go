package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"git.home.luguber.info/inful/forgeflow/internal/controller"
	"git.home.luguber.info/inful/forgeflow/internal/fferrors"
	"git.home.luguber.info/inful/forgeflow/internal/ledger"
	"git.home.luguber.info/inful/forgeflow/internal/logfields"
)

// startBuildRequest is the submission payload.
type startBuildRequest struct {
	OrgID   string `json:"org_id"`
	UserID  string `json:"user_id"`
	Spec    string `json:"spec"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	var req startBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	exec, err := s.ctrl.StartBuild(r.Context(), controller.StartRequest{
		OrgID:       req.OrgID,
		UserID:      req.UserID,
		SpecContent: req.Spec,
	})
	if err != nil {
		if fferrors.CategoryOf(err) == fferrors.CategoryValidation {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Build submission failed", logfields.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start build")
		return
	}

	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "org_id query parameter is required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	execs, err := s.ctrl.ListExecutions(r.Context(), orgID, limit)
	if err != nil {
		slog.Error("Failed to list executions", logfields.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.ctrl.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ctrl.GetExecution(r.Context(), id); err != nil {
		writeLookupError(w, err)
		return
	}
	runs, err := s.ctrl.Trail(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list phase runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ctrl.GetExecution(r.Context(), id); err != nil {
		writeLookupError(w, err)
		return
	}
	artifacts, err := s.ctrl.Artifacts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ctrl.GetExecution(r.Context(), id); err != nil {
		writeLookupError(w, err)
		return
	}
	revisions, err := s.ctrl.SpecRevisions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list spec revisions")
		return
	}
	writeJSON(w, http.StatusOK, revisions)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ctrl.GetExecution(r.Context(), id); err != nil {
		writeLookupError(w, err)
		return
	}
	ok, err := s.ctrl.Cancel(r.Context(), id)
	if err != nil {
		slog.Error("Cancellation failed", logfields.ExecutionID(id), logfields.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel execution")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "execution is not cancellable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleEvents streams the execution's event log as server-sent events,
// from the beginning until the execution finishes or the client leaves.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ctrl.GetExecution(r.Context(), id); err != nil {
		writeLookupError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.ctrl.Stream(r.Context(), id) {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		flusher.Flush()
	}
}

func writeLookupError(w http.ResponseWriter, err error) {
	var notFound ledger.ErrExecutionNotFound
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	slog.Error("Execution lookup failed", logfields.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load execution")
}

// writeJSON encodes into a buffer first so a marshal failure never sends a
// partial response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", logfields.Error(err))
		writeError(w, http.StatusInternalServerError, "encoding failure")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Failed writing JSON response body", logfields.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
