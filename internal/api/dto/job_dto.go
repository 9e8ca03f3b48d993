package dto

// PredictRequest is one flower's measurements in centimeters.
type PredictRequest struct {
	SepalLength float64 `json:"sepal_length" binding:"required,gt=0"`
	SepalWidth  float64 `json:"sepal_width" binding:"required,gt=0"`
	PetalLength float64 `json:"petal_length" binding:"required,gt=0"`
	PetalWidth  float64 `json:"petal_width" binding:"required,gt=0"`
}

// Values returns the measurements in model feature order.
func (r PredictRequest) Values() [4]float64 {
	return [4]float64{r.SepalLength, r.SepalWidth, r.PetalLength, r.PetalWidth}
}

type PredictResponse struct {
	Prediction int    `json:"prediction"`
	ModelStage string `json:"model_stage"`
}

type SubmitBatchResponse struct {
	TaskID string `json:"task_id"`
}

// BatchStatusResponse is the poll result: pending, started, done or failed.
type BatchStatusResponse struct {
	Status      string `json:"status"`
	Predictions []int  `json:"predictions,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Predictions []int  `json:"predictions,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
