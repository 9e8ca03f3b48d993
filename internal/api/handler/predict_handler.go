package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/iris-serving/internal/api/dto"
	"github.com/cuongbtq/iris-serving/internal/domain"
)

// Predict handles POST /predict
// Scores one record inline without touching the queue
func (h *PredictHandler) Predict(c *gin.Context) {
	var req dto.PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "Invalid request body",
			Detail: err.Error(),
		})
		return
	}

	v := req.Values()
	record, err := domain.NewFeatureRecord(v[0], v[1], v[2], v[3])
	if err != nil {
		writeError(c, "Invalid request body", err)
		return
	}

	prediction, err := h.scorer.ScoreOne(c.Request.Context(), record)
	if err != nil {
		h.logger.Error("Prediction failed", slog.Any("error", err))
		writeError(c, "Prediction failed", err)
		return
	}

	c.JSON(http.StatusOK, dto.PredictResponse{
		Prediction: prediction,
		ModelStage: h.modelStage,
	})
}
