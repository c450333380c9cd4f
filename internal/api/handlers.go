package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/leadfoundry/internal/artifact"
	"github.com/sells-group/leadfoundry/internal/executor"
	"github.com/sells-group/leadfoundry/internal/model"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// CreateRunResponse is returned by POST /runs/full.
type CreateRunResponse struct {
	RunID         string       `json:"run_id"`
	Status        model.Status `json:"status"`
	RunDir        string       `json:"run_dir"`
	EmailDelivery bool         `json:"email_delivery"`
}

// RunAck acknowledges a queued or cancelled run.
type RunAck struct {
	RunID  string       `json:"run_id"`
	Status model.Status `json:"status"`
}

// emailField is the part of the criteria document the API inspects.
type emailField struct {
	Email string `json:"email" validate:"omitempty,email"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateRun writes the criteria document, registers the run and
// queues intake. An "email" key in the document turns on auto-finalize and
// delivery.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var criteria map[string]any
	if err := json.NewDecoder(r.Body).Decode(&criteria); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var req emailField
	if raw, ok := criteria["email"]; ok && raw != nil {
		email, isString := raw.(string)
		if !isString {
			errorResponse(w, http.StatusBadRequest, "Invalid email format")
			return
		}
		req.Email = email
	}
	if err := s.validate.Struct(req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid email format")
		return
	}

	run, err := s.exec.Submit(r.Context(), executor.CreateRequest{Criteria: criteria, Email: req.Email})
	if err != nil {
		executorError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, CreateRunResponse{
		RunID:         run.ID,
		Status:        run.Status,
		RunDir:        run.RunDir,
		EmailDelivery: run.Email != "",
	})
}

func (s *Server) handleStartIntake(w http.ResponseWriter, r *http.Request) {
	run, err := s.exec.StartIntake(chi.URLParam(r, "runID"))
	if err != nil {
		executorError(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, RunAck{RunID: run.ID, Status: run.Status})
}

func (s *Server) handleStartResearch(w http.ResponseWriter, r *http.Request) {
	run, err := s.exec.StartResearch(chi.URLParam(r, "runID"))
	if err != nil {
		executorError(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, RunAck{RunID: run.ID, Status: run.Status})
}

// handleFinalize starts finalize and, unless wait=false, holds the request
// until the stage settles or the client goes away.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	res, err := s.exec.Finalize(id)
	if err != nil {
		executorError(w, err)
		return
	}
	if r.URL.Query().Get("wait") != "false" && res.Status.InFlight() {
		if err := s.exec.Wait(r.Context(), id); err == nil {
			if res, err = s.exec.Result(id); err != nil {
				executorError(w, err)
				return
			}
		}
	}
	jsonResponse(w, http.StatusAccepted, res)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	rec, err := s.exec.Registry().Get(id)
	if err != nil {
		executorError(w, err)
		return
	}
	path := rec.Paths.Excel
	if !artifact.Exists(path) {
		errorResponse(w, http.StatusNotFound, "excel not found")
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.exec.Status(chi.URLParam(r, "runID"))
	if err != nil {
		executorError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, view)
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{"runs": s.exec.Registry().List()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := s.exec.Cancel(chi.URLParam(r, "runID"))
	if err != nil {
		executorError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, RunAck{RunID: run.ID, Status: run.Status})
}
