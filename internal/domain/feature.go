package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

// Feature names in model input order.
const (
	FieldSepalLength = "sepal_length"
	FieldSepalWidth  = "sepal_width"
	FieldPetalLength = "petal_length"
	FieldPetalWidth  = "petal_width"
)

var featureNames = [FeatureCount]string{
	FieldSepalLength,
	FieldSepalWidth,
	FieldPetalLength,
	FieldPetalWidth,
}

// FeatureRecord holds the four positive measurements of one flower.
// The zero value is not valid; build records with NewFeatureRecord.
type FeatureRecord struct {
	values [FeatureCount]float64
}

// NewFeatureRecord validates the measurements and returns an immutable record.
func NewFeatureRecord(sepalLength, sepalWidth, petalLength, petalWidth float64) (FeatureRecord, error) {
	return newRecordAt(-1, [FeatureCount]float64{sepalLength, sepalWidth, petalLength, petalWidth})
}

func newRecordAt(index int, values [FeatureCount]float64) (FeatureRecord, error) {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return FeatureRecord{}, &ValidationError{Index: index, Field: featureNames[i], Value: v, Reason: "must be a finite number"}
		}
		if v <= 0 {
			return FeatureRecord{}, &ValidationError{Index: index, Field: featureNames[i], Value: v, Reason: "must be greater than 0"}
		}
	}
	return FeatureRecord{values: values}, nil
}

// Vector returns a copy of the measurements in model input order.
func (r FeatureRecord) Vector() []float64 {
	out := make([]float64, FeatureCount)
	copy(out, r.values[:])
	return out
}

type featureRecordJSON struct {
	SepalLength float64 `json:"sepal_length"`
	SepalWidth  float64 `json:"sepal_width"`
	PetalLength float64 `json:"petal_length"`
	PetalWidth  float64 `json:"petal_width"`
}

func (r FeatureRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(featureRecordJSON{
		SepalLength: r.values[0],
		SepalWidth:  r.values[1],
		PetalLength: r.values[2],
		PetalWidth:  r.values[3],
	})
}

// UnmarshalJSON rejects records that violate the positivity invariant.
func (r *FeatureRecord) UnmarshalJSON(data []byte) error {
	var raw featureRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	rec, err := NewFeatureRecord(raw.SepalLength, raw.SepalWidth, raw.PetalLength, raw.PetalWidth)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// Batch is an ordered, non-empty sequence of records. Result i belongs to record i.
type Batch []FeatureRecord

// NewBatch validates raw measurement rows and returns a batch in the same order.
func NewBatch(rows [][FeatureCount]float64) (Batch, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: batch must contain at least one record", ErrValidation)
	}
	batch := make(Batch, len(rows))
	for i, row := range rows {
		rec, err := newRecordAt(i, row)
		if err != nil {
			return nil, err
		}
		batch[i] = rec
	}
	return batch, nil
}

// Validate checks the non-empty invariant and that every record was constructed.
func (b Batch) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("%w: batch must contain at least one record", ErrValidation)
	}
	for i, rec := range b {
		if _, err := newRecordAt(i, rec.values); err != nil {
			return err
		}
	}
	return nil
}

// Matrix converts the batch into an N×4 matrix in record order.
func (b Batch) Matrix() [][]float64 {
	out := make([][]float64, len(b))
	for i, rec := range b {
		out[i] = rec.Vector()
	}
	return out
}
