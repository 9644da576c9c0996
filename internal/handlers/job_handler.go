package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/jobs"
	"github.com/ternarybob/aperture/internal/models"
)

// JobHandler exposes the job execution core over HTTP:
//
//	POST   /api/jobs              submit a job
//	GET    /api/jobs              list jobs
//	GET    /api/jobs/{id}         fetch one job
//	POST   /api/jobs/{id}/cancel  request cancellation
//	GET    /api/jobs/{id}/progress  last progress payload
//	GET    /api/health            execution backend health
type JobHandler struct {
	service  interfaces.JobService
	progress interfaces.ProgressChannel
	logger   arbor.ILogger
}

// NewJobHandler creates the job HTTP handler
func NewJobHandler(service interfaces.JobService, progress interfaces.ProgressChannel, logger arbor.ILogger) *JobHandler {
	return &JobHandler{service: service, progress: progress, logger: logger}
}

type submitRequest struct {
	JobType    string                 `json:"job_type"`
	CatalogID  string                 `json:"catalog_id"`
	Parameters map[string]interface{} `json:"parameters"`
}

// HandleJobs serves POST (submit) and GET (list) on /api/jobs
func (h *JobHandler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submit(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *JobHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JobType == "" {
		WriteError(w, http.StatusBadRequest, "job_type is required")
		return
	}

	jobID, err := h.service.Submit(r.Context(), req.JobType, req.CatalogID, req.Parameters)
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownJobType) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("job_type", req.JobType).Msg("Job submission failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(models.JobStatusPending),
	})
}

func (h *JobHandler) list(w http.ResponseWriter, r *http.Request) {
	filter := interfaces.JobFilter{
		CatalogID: r.URL.Query().Get("catalog_id"),
		Type:      r.URL.Query().Get("job_type"),
		Status:    models.JobStatus(r.URL.Query().Get("status")),
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	jobList, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Job list failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobList == nil {
		jobList = []*models.Job{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobList})
}

// HandleJob serves GET /api/jobs/{id}, POST /api/jobs/{id}/cancel and
// GET /api/jobs/{id}/progress
func (h *JobHandler) HandleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.get(w, r, jobID)
	case "cancel":
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		h.cancel(w, r, jobID)
	case "progress":
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		h.lastProgress(w, r, jobID)
	default:
		http.NotFound(w, r)
	}
}

func (h *JobHandler) get(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandler) cancel(w http.ResponseWriter, r *http.Request, jobID string) {
	err := h.service.Cancel(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			WriteError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, jobs.ErrCannotCancelTerminal):
			WriteError(w, http.StatusBadRequest, err.Error())
		default:
			WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "cancelled": true})
}

func (h *JobHandler) lastProgress(w http.ResponseWriter, r *http.Request, jobID string) {
	payload, err := h.progress.GetLastProgress(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if payload == nil {
		WriteError(w, http.StatusNotFound, "no progress recorded for job "+jobID)
		return
	}
	WriteJSON(w, http.StatusOK, payload)
}

// HandleHealth serves GET /api/health
func (h *JobHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.service.Health(r.Context()))
}
