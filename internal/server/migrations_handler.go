package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/config"
	"github.com/shiftdb/shift/internal/dbconn"
	"github.com/shiftdb/shift/internal/httputil"
	"github.com/shiftdb/shift/internal/plan"
	"github.com/shiftdb/shift/internal/policy"
	"github.com/shiftdb/shift/internal/state"
)

// analyzeFunc dials a source database and introspects it. Swapped out
// in tests so handlers can be exercised without a live source.
type analyzeFunc func(ctx context.Context, kind, connURL string) (*analyzer.Snapshot, error)

type analyzeRequest struct {
	Connection string `json:"connection"`
	Kind       string `json:"kind,omitempty"`
}

type planRequest struct {
	Snapshot *analyzer.Snapshot `json:"snapshot"`
	Hints    []policy.Hint      `json:"hints,omitempty"`
	Options  plan.Options       `json:"options,omitempty"`
}

type executeRequest struct {
	DryRun bool `json:"dry_run"`
}

type executeResponse struct {
	RunID  string `json:"run_id"`
	PlanID string `json:"plan_id"`
	DryRun bool   `json:"dry_run"`
}

type runDetail struct {
	Run  state.Run        `json:"run"`
	Jobs []state.JobState `json:"jobs"`
}

// analyzeSource connects to the named source, introspects it, and
// disconnects. A PARTIAL analysis still yields a snapshot; its warnings
// travel inside the document.
func (s *Server) analyzeSource(ctx context.Context, kind, connURL string) (*analyzer.Snapshot, error) {
	var src analyzer.Source
	switch kind {
	case "postgres":
		pool, err := dbconn.Connect(ctx, connURL, s.cfg.Source.MaxConns)
		if err != nil {
			return nil, err
		}
		defer pool.Close()
		src = analyzer.NewPostgresSource(pool)
	case "sqlite", "mysql":
		db, err := dbconn.OpenSQL(kind, connURL, s.cfg.Source.MaxConns)
		if err != nil {
			return nil, err
		}
		defer db.Close() //nolint:errcheck
		if kind == "sqlite" {
			src = analyzer.NewSQLiteSource(db)
		} else {
			src = analyzer.NewMySQLSource(db)
		}
	default:
		return nil, &analyzer.AnalysisError{Kind: analyzer.ErrorConnection, Msg: "unsupported source kind " + kind}
	}

	snap, err := analyzer.Analyze(ctx, src, s.logger)
	if err != nil && !analyzer.IsPartial(err) {
		return nil, err
	}
	return snap, nil
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Connection == "" {
		req.Connection = s.cfg.Source.URL
	}
	if req.Connection == "" {
		httputil.WriteError(w, http.StatusBadRequest, "connection is required")
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = s.cfg.Source.Kind
	}
	if kind == "" {
		kind = config.DetectSourceKind(req.Connection)
	}

	snap, err := s.analyzeFn(r.Context(), kind, req.Connection)
	if err != nil {
		var ae *analyzer.AnalysisError
		switch {
		case errors.As(err, &ae) && ae.Kind == analyzer.ErrorPermission:
			httputil.WriteError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, analyzer.ErrUnresolvedReference):
			httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			httputil.WriteError(w, http.StatusBadGateway, "analysis failed: "+err.Error())
		}
		return
	}

	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Snapshot == nil {
		httputil.WriteError(w, http.StatusBadRequest, "snapshot is required")
		return
	}

	policies, err := policy.Synthesize(req.Snapshot, req.Hints, s.logger)
	if err != nil {
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	p, err := plan.Build(req.Snapshot, policies, req.Options)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SavePlan(r.Context(), p); err != nil {
		s.logger.Error("failed to save plan", "planID", p.PlanID(), "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to save plan")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")

	var req executeRequest
	if r.ContentLength != 0 {
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
	}

	p, err := s.store.GetPlan(r.Context(), planID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			httputil.WriteRunError(w, http.StatusNotFound, "plan not found", planID, "", "")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load plan")
		return
	}

	runID, err := s.migrator.Start(r.Context(), p, req.DryRun)
	if err != nil {
		if strings.Contains(err.Error(), "already has an active run") {
			httputil.WriteRunError(w, http.StatusConflict, err.Error(), planID, "", "")
			return
		}
		s.logger.Error("failed to start run", "planID", planID, "error", err)
		httputil.WriteRunError(w, http.StatusInternalServerError, "failed to start run", planID, "", "")
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, executeResponse{
		RunID:  runID,
		PlanID: planID,
		DryRun: req.DryRun,
	})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")

	p, err := s.store.GetPlan(r.Context(), planID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			httputil.WriteRunError(w, http.StatusNotFound, "plan not found", planID, "", "")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load plan")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			httputil.WriteRunError(w, http.StatusNotFound, "run not found", "", runID, "")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	jobMap, err := s.store.JobStates(r.Context(), runID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load job states")
		return
	}
	jobs := make([]state.JobState, 0, len(jobMap))
	for _, js := range jobMap {
		jobs = append(jobs, js)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID < jobs[j].JobID })

	httputil.WriteJSON(w, http.StatusOK, runDetail{Run: *run, Jobs: jobs})
}

func (s *Server) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			httputil.WriteRunError(w, http.StatusNotFound, "run not found", "", runID, "")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	evs, err := s.store.Events(r.Context(), runID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load run events")
		return
	}

	// Latest report wins; a resumed run re-validates.
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Kind == "validation_report" {
			httputil.WriteJSON(w, http.StatusOK, json.RawMessage(evs[i].Payload))
			return
		}
	}
	httputil.WriteRunError(w, http.StatusNotFound, "run has no validation report", "", runID, "")
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	res, err := s.migrator.Rollback(r.Context(), runID)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrNotFound):
			httputil.WriteRunError(w, http.StatusNotFound, "run not found", "", runID, "")
		case strings.Contains(err.Error(), "cannot be rolled back"):
			httputil.WriteRunError(w, http.StatusConflict, err.Error(), "", runID, "")
		default:
			s.logger.Error("rollback failed", "runID", runID, "error", err)
			httputil.WriteRunError(w, http.StatusInternalServerError, "rollback failed", "", runID, "")
		}
		return
	}

	httputil.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			httputil.WriteRunError(w, http.StatusNotFound, "run not found", "", runID, "")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if run.Phase.Terminal() {
		httputil.WriteRunError(w, http.StatusConflict,
			"run is "+string(run.Phase)+" and cannot be aborted", run.PlanID, runID, string(run.Phase))
		return
	}

	s.migrator.Abort(runID)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "abort requested",
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			httputil.WriteRunError(w, http.StatusNotFound, "run not found", "", runID, "")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if run.Phase == state.PhaseDone || run.Phase == state.PhaseRolledBack {
		httputil.WriteRunError(w, http.StatusConflict,
			"run is "+string(run.Phase)+" and cannot be resumed", run.PlanID, runID, string(run.Phase))
		return
	}

	// Resume drives the run to completion; it continues in the background
	// and failures land in the run record.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.migrator.Resume(ctx, runID); err != nil {
			s.logger.Error("resumed run failed", "runID", runID, "error", err)
		}
	}()

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "resuming",
	})
}
