package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/constellation/internal/api/domain"
	"github.com/cuongbtq/constellation/internal/api/dto"
	"github.com/cuongbtq/constellation/internal/api/model"
	"github.com/cuongbtq/constellation/internal/api/storage"
	jobdomain "github.com/cuongbtq/constellation/internal/worker/domain"
)

// NextCursorHeader carries the cursor of the next page of GET /jobs
const NextCursorHeader = "X-Next-Cursor"

// CreateJob handles POST /jobs
// Creates a queued job for the workers to pick up
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		abortWithError(c, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}

	params, err := normalizeParams(req.Params)
	if err != nil {
		abortWithError(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), &model.Job{
		Name:        req.Name,
		Params:      params,
		Priority:    req.Priority,
		State:       jobdomain.StateQueued.String(),
		SubmittedBy: req.SubmittedBy,
	})
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		abortWithError(c, http.StatusInternalServerError, "failed to create job")
		return
	}

	h.metrics.JobCreated(c.Request.Context())
	h.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
		slog.Int("priority", job.Priority),
	)

	c.JSON(http.StatusCreated, toJobDTO(job))
}

// GetJob handles GET /jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		h.storageError(c, "get", jobID, err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /jobs
// Lists jobs newest first. When more rows exist the next page cursor is returned in
// the X-Next-Cursor header.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		abortWithError(c, http.StatusBadRequest, "invalid query parameters")
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = domain.DefaultPageSize
	}

	if req.PageSize > domain.MaxPageSize {
		req.PageSize = domain.MaxPageSize
	}

	if req.State != "" {
		if _, err := jobdomain.ParseState(req.State); err != nil {
			abortWithError(c, http.StatusBadRequest, fmt.Sprintf("invalid state %q", req.State))
			return
		}
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		abortWithError(c, http.StatusBadRequest, "invalid cursor")
		return
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), storage.JobFilter{
		State:    req.State,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		abortWithError(c, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	if hasMore {
		lastJob := jobs[len(jobs)-1]
		c.Header(NextCursorHeader, EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.ID,
		}))
	}

	c.JSON(http.StatusOK, jobResponse)
}

// UpdateJob handles PUT /jobs/:job_id
// Only the fields present in the body are changed
func (h *JobHandler) UpdateJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	var req dto.UpdateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		abortWithError(c, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}

	update := domain.JobUpdate{
		Name:        req.Name,
		Priority:    req.Priority,
		SubmittedBy: req.SubmittedBy,
	}

	if req.Params != nil && !isNull(req.Params) {
		params, err := normalizeParams(req.Params)
		if err != nil {
			abortWithError(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
		update.Params = params
	}

	if req.State != nil {
		state, err := jobdomain.ParseState(*req.State)
		if err != nil {
			abortWithError(c, http.StatusUnprocessableEntity, fmt.Sprintf("invalid state %q", *req.State))
			return
		}
		update.State = &state
	}

	job, err := h.jobs.UpdateJob(c.Request.Context(), jobID, update)
	if err != nil {
		h.storageError(c, "update", jobID, err)
		return
	}

	h.logger.Info("Job updated", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, toJobDTO(job))
}

// DeleteJob handles DELETE /jobs/:job_id
// Permanently deletes a job record from the database
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	if err := h.jobs.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.storageError(c, "delete", jobID, err)
		return
	}

	h.logger.Info("Job deleted", slog.String("job_id", jobID))
	c.Status(http.StatusNoContent)
}

func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		abortWithError(c, http.StatusBadRequest, "job_id must be a valid UUID")
		return "", false
	}
	return jobID, true
}

func (h *JobHandler) storageError(c *gin.Context, op, jobID string, err error) {
	if errors.Is(err, domain.ErrJobNotFound) {
		abortWithError(c, http.StatusNotFound, fmt.Sprintf("Job %s not found", jobID))
		return
	}
	h.logger.Error("Failed to "+op+" job",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	abortWithError(c, http.StatusInternalServerError, "failed to "+op+" job")
}

// normalizeParams defaults missing params to {} and rejects anything but a JSON object
func normalizeParams(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || isNull(raw) {
		return json.RawMessage(`{}`), nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errors.New("params must be a JSON object")
	}

	return raw, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func toJobDTO(job *model.Job) dto.JobDTO {
	params := job.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return dto.JobDTO{
		ID:          job.ID,
		Name:        job.Name,
		Params:      params,
		Priority:    job.Priority,
		State:       job.State,
		CreatedAt:   job.CreatedAt.UTC().Format(time.RFC3339Nano),
		SubmittedBy: job.SubmittedBy,
	}
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{Error: message})
}
