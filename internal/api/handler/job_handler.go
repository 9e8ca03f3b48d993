package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/iris-serving/internal/api/dto"
	"github.com/cuongbtq/iris-serving/internal/domain"
	"github.com/cuongbtq/iris-serving/internal/orchestrator"
	"github.com/cuongbtq/iris-serving/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SubmitBatch handles POST /predict_batch
// Enqueues the records and returns the task id to poll
func (h *JobHandler) SubmitBatch(c *gin.Context) {
	var req []dto.PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "Invalid request body",
			Detail: err.Error(),
		})
		return
	}

	rows := make([][domain.FeatureCount]float64, len(req))
	for i, r := range req {
		rows[i] = r.Values()
	}
	batch, err := domain.NewBatch(rows)
	if err != nil {
		writeError(c, "Invalid request body", err)
		return
	}

	taskID, err := h.jobs.Submit(c.Request.Context(), batch)
	if err != nil {
		h.logger.Error("Failed to submit batch",
			slog.Int("batch_size", len(batch)),
			slog.Any("error", err),
		)
		writeError(c, "Failed to submit batch", err)
		return
	}

	h.logger.Info("Batch submitted",
		slog.String("job_id", taskID),
		slog.Int("batch_size", len(batch)),
	)
	c.JSON(http.StatusAccepted, dto.SubmitBatchResponse{TaskID: taskID})
}

// GetBatch handles GET /predict_batch/:task_id
func (h *JobHandler) GetBatch(c *gin.Context) {
	taskID := c.Param("task_id")

	status, err := h.jobs.GetStatus(c.Request.Context(), taskID)
	if err != nil {
		if !errors.Is(err, domain.ErrUnknownJob) {
			h.logger.Error("Failed to get job", slog.String("job_id", taskID), slog.Any("error", err))
		}
		writeError(c, "Failed to get job", err)
		return
	}

	switch status.State {
	case domain.JobStateSuccess:
		c.JSON(http.StatusOK, dto.BatchStatusResponse{
			Status:      "done",
			Predictions: status.Predictions,
		})
	case domain.JobStateFailure:
		c.JSON(http.StatusInternalServerError, dto.BatchStatusResponse{
			Status: "failed",
			Detail: status.Error,
		})
	default:
		c.JSON(http.StatusOK, dto.BatchStatusResponse{
			Status: statusLabel(status.State),
		})
	}
}

// ListJobs handles GET /predict_batch
// Lists jobs newest first with optional state filter and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "Invalid query parameters",
			Detail: err.Error(),
		})
		return
	}

	state := domain.JobState(req.Status)
	if state != "" && !state.IsValid() {
		h.logger.Warn("Invalid status filter", slog.String("status", req.Status))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "Invalid query parameters",
			Detail: fmt.Sprintf("unknown status %q", req.Status),
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "Invalid cursor",
			Detail: err.Error(),
		})
		return
	}

	jobs, err := h.jobs.List(c.Request.Context(), store.JobFilter{
		State:    state,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.Any("error", err))
		writeError(c, "Failed to list jobs", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = toJobDTO(job)
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func toJobDTO(s orchestrator.Status) dto.JobDTO {
	return dto.JobDTO{
		TaskID:      s.JobID,
		Status:      string(s.State),
		Predictions: s.Predictions,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   s.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// statusLabel renders in-flight states the way pollers expect them.
func statusLabel(s domain.JobState) string {
	switch s {
	case domain.JobStatePending:
		return "pending"
	case domain.JobStateStarted:
		return "started"
	default:
		return string(s)
	}
}
