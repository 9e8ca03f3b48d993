package domain

// JobState is the lifecycle state of a prediction job.
type JobState string

// Job state constants
const (
	JobStatePending JobState = "PENDING"
	JobStateStarted JobState = "STARTED"
	JobStateSuccess JobState = "SUCCESS"
	JobStateFailure JobState = "FAILURE"
)

// TaskPredictBatch is the handler name batch scoring jobs are published under.
const TaskPredictBatch = "predict_batch"

// FeatureCount is the number of measurements in a FeatureRecord.
const FeatureCount = 4

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobState) IsTerminal() bool {
	return s == JobStateSuccess || s == JobStateFailure
}

// IsValid reports whether s is one of the known states.
func (s JobState) IsValid() bool {
	switch s {
	case JobStatePending, JobStateStarted, JobStateSuccess, JobStateFailure:
		return true
	}
	return false
}

func (s JobState) String() string {
	return string(s)
}
