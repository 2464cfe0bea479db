// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package rpcserver exposes the controller's inbound step RPCs over
// HTTP/JSON and a websocket step-event stream. It is a thin adapter: all
// validation and state live in the controller.
package rpcserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	controller "github.com/jontk/slurm-controller"
	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/pkg/errors"
	"github.com/jontk/slurm-controller/pkg/logging"
)

// Server serves the step manager RPCs.
type Server struct {
	ctl      *controller.Controller
	log      logging.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

// New builds the server and its routes.
func New(ctl *controller.Controller, log logging.Logger) *Server {
	s := &Server{
		ctl: ctl,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	r := mux.NewRouter()
	r.Use(s.requestID)

	v1 := r.PathPrefix("/slurm/v1").Subrouter()
	v1.HandleFunc("/steps", s.handleStepCreate).Methods(http.MethodPost)
	v1.HandleFunc("/steps", s.handleStepInfo).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{job_id}/steps/{step_id}/signal",
		s.handleStepSignal).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{job_id}/steps/{step_id}/complete",
		s.handleStepComplete).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{job_id}/steps/{step_id}/partial",
		s.handleStepPartial).Methods(http.MethodPost)
	v1.HandleFunc("/checkpoint", s.handleCheckpoint).Methods(http.MethodPost)
	v1.HandleFunc("/checkpoint/complete",
		s.handleCheckpointComplete).Methods(http.MethodPost)
	v1.HandleFunc("/checkpoint/task-complete",
		s.handleCheckpointTaskComplete).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/ws/steps", s.handleWatch)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// requestID tags every request for log correlation.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		s.log.Debug("rpc request", "request_id", id,
			"method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStepCreate(w http.ResponseWriter, r *http.Request) {
	var req api.StepCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.WithCause(errors.ErrorCodeInvalidRequest,
			"malformed request body", err))
		return
	}
	batch := r.URL.Query().Get("batch") == "true"
	kill := r.URL.Query().Get("kill_on_step_done") == "true"
	resp, err := s.ctl.CreateStep(req, batch, kill)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleStepSignal(w http.ResponseWriter, r *http.Request) {
	jobID, stepID, ok := s.pathIDs(w, r)
	if !ok {
		return
	}
	var req api.StepSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.WithCause(errors.ErrorCodeInvalidRequest,
			"malformed request body", err))
		return
	}
	req.JobID, req.StepID = jobID, stepID
	if err := s.ctl.SignalStep(&req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStepComplete(w http.ResponseWriter, r *http.Request) {
	jobID, stepID, ok := s.pathIDs(w, r)
	if !ok {
		return
	}
	var req api.StepCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.WithCause(errors.ErrorCodeInvalidRequest,
			"malformed request body", err))
		return
	}
	req.JobID, req.StepID = jobID, stepID
	if err := s.ctl.CompleteStep(&req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStepPartial(w http.ResponseWriter, r *http.Request) {
	jobID, stepID, ok := s.pathIDs(w, r)
	if !ok {
		return
	}
	var req api.StepPartialCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.WithCause(errors.ErrorCodeInvalidRequest,
			"malformed request body", err))
		return
	}
	req.JobID, req.StepID = jobID, stepID
	remaining, maxRC, err := s.ctl.PartialComplete(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"remaining": remaining,
		"max_rc":    maxRC,
	})
}

func (s *Server) handleStepInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := api.StepInfoRequest{
		JobID:   queryUint32(q.Get("job_id"), 0),
		StepID:  queryUint32(q.Get("step_id"), api.NoVal),
		UserID:  queryUint32(q.Get("uid"), 0),
		ShowAll: q.Get("show_all") == "true",
	}
	infos, err := s.ctl.StepInfos(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"steps": infos})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req api.CheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.WithCause(errors.ErrorCodeInvalidRequest,
			"malformed request body", err))
		return
	}
	resp, err := s.ctl.Checkpoint(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheckpointComplete(w http.ResponseWriter, r *http.Request) {
	var req api.CheckpointCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.WithCause(errors.ErrorCodeInvalidRequest,
			"malformed request body", err))
		return
	}
	if err := s.ctl.CheckpointComplete(&req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckpointTaskComplete(w http.ResponseWriter, r *http.Request) {
	var req api.CheckpointTaskCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.WithCause(errors.ErrorCodeInvalidRequest,
			"malformed request body", err))
		return
	}
	if err := s.ctl.CheckpointTaskComplete(&req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctl.Stats())
}

// handleWatch streams step events over a websocket until the client
// disconnects.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.ctl.Subscribe()
	defer cancel()

	// drain client frames to observe the close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) pathIDs(w http.ResponseWriter, r *http.Request) (uint32, uint32, bool) {
	vars := mux.Vars(r)
	jobID, err1 := strconv.ParseUint(vars["job_id"], 10, 32)
	stepID, err2 := strconv.ParseUint(vars["step_id"], 10, 32)
	if err1 != nil || err2 != nil {
		s.writeError(w, errors.New(errors.ErrorCodeInvalidRequest,
			"job and step ids must be numeric"))
		return 0, 0, false
	}
	return uint32(jobID), uint32(stepID), true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	stepErr := errors.Wrap(err)
	s.writeJSON(w, statusFor(stepErr.Code), stepErr)
}

// statusFor maps controller error codes onto HTTP statuses.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrorCodeInvalidJobID:
		return http.StatusNotFound
	case errors.ErrorCodeAccessDenied:
		return http.StatusForbidden
	case errors.ErrorCodeAlreadyDone, errors.ErrorCodeDuplicateJobID:
		return http.StatusConflict
	case errors.ErrorCodeDisabled, errors.ErrorCodeTransitionState,
		errors.ErrorCodeJobPending:
		return http.StatusUnprocessableEntity
	case errors.ErrorCodeConfigUnavailable, errors.ErrorCodeNodesBusy,
		errors.ErrorCodeInvalidTaskMemory, errors.ErrorCodeBadDist,
		errors.ErrorCodeBadTaskCount:
		return http.StatusConflict
	case errors.ErrorCodePathnameTooLong, errors.ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case errors.ErrorCodeInterconnectFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func queryUint32(s string, def uint32) uint32 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return def
	}
	return uint32(v)
}
