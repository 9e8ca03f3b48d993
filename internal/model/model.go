// Package model resolves and caches the active classification model.
package model

import (
	"context"
	"fmt"
)

// Handle is a resolved, read-only model safe for concurrent use.
type Handle interface {
	Name() string
	Stage() string
	Version() int
	// Predict scores an N×4 matrix and returns one label per row in row order.
	Predict(ctx context.Context, features [][]float64) ([]int, error)
}

// Reference identifies a registered model by name and stage.
type Reference struct {
	Name  string
	Stage string
}

// URI renders the reference in registry form, e.g. models:/iris-classifier/Production.
func (r Reference) URI() string {
	return fmt.Sprintf("models:/%s/%s", r.Name, r.Stage)
}

// Registry resolves references into handles. Implementations may be slow
// or fail; the Provider is responsible for caching.
type Registry interface {
	Resolve(ctx context.Context, ref Reference) (Handle, error)
}
