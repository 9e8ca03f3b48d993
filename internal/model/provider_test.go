package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/iris-serving/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var irisRef = Reference{Name: "iris-classifier", Stage: "Production"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingRegistry struct {
	calls   atomic.Int32
	delay   time.Duration
	failFor int32
	inner   Registry
}

func (r *countingRegistry) Resolve(ctx context.Context, ref Reference) (Handle, error) {
	n := r.calls.Add(1)
	time.Sleep(r.delay)
	if n <= r.failFor {
		return nil, errors.New("registry offline")
	}
	return r.inner.Resolve(ctx, ref)
}

func TestEmbeddedRegistry_IrisPredictions(t *testing.T) {
	h, err := NewEmbeddedRegistry().Resolve(context.Background(), irisRef)
	require.NoError(t, err)
	assert.Equal(t, "iris-classifier", h.Name())
	assert.Equal(t, "Production", h.Stage())

	preds, err := h.Predict(context.Background(), [][]float64{
		{5.1, 3.5, 1.4, 0.2},
		{6.2, 2.9, 4.3, 1.3},
		{7.7, 3.0, 6.1, 2.3},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, preds)

	_, err = h.Predict(context.Background(), [][]float64{{1, 2, 3}})
	assert.Error(t, err)
}

func TestEmbeddedRegistry_UnknownReference(t *testing.T) {
	_, err := NewEmbeddedRegistry().Resolve(context.Background(), Reference{Name: "iris-classifier", Stage: "Staging"})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestFileRegistry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "iris-centroid"), 0o755))

	artifact := `{
		"name": "iris-centroid", "stage": "Production", "version": 2,
		"kind": "nearest_centroid", "classes": [0, 1, 2],
		"centroids": [[5.0, 3.4, 1.5, 0.2], [5.9, 2.8, 4.3, 1.3], [6.6, 3.0, 5.6, 2.0]]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "iris-centroid", "Production.json"), []byte(artifact), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "iris-centroid", "Broken.json"), []byte(`{"name":"iris-centroid","stage":"Broken","kind":"nearest_centroid","classes":[0]}`), 0o644))

	reg, err := NewFileRegistry(dir)
	require.NoError(t, err)

	h, err := reg.Resolve(context.Background(), Reference{Name: "iris-centroid", Stage: "Production"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.Version())

	preds, err := h.Predict(context.Background(), [][]float64{{5.1, 3.5, 1.4, 0.2}, {6.9, 3.1, 5.4, 2.1}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, preds)

	_, err = reg.Resolve(context.Background(), Reference{Name: "iris-centroid", Stage: "Broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")

	_, err = NewFileRegistry(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestParseArtifact_RejectsBackwardChildren(t *testing.T) {
	a, err := ParseArtifact([]byte(`{
		"name": "loop", "stage": "Production", "kind": "tree_ensemble", "classes": [0],
		"trees": [{"nodes": [{"feature": 0, "threshold": 1, "left": 0, "right": 0}]}]
	}`))
	require.NoError(t, err)
	_, err = a.Build()
	assert.Error(t, err)
}

func TestProvider_ResolvesOnceUnderConcurrency(t *testing.T) {
	reg := &countingRegistry{delay: 50 * time.Millisecond, inner: NewEmbeddedRegistry()}
	p := NewProvider(&ProviderConfig{Registry: reg, Reference: irisRef, Logger: discardLogger()})

	const callers = 64
	handles := make([]Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Get(context.Background())
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), reg.calls.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}

	_, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), reg.calls.Load(), "resolved handle must be cached")
}

func TestProvider_FailureIsNotCached(t *testing.T) {
	reg := &countingRegistry{failFor: 1, inner: NewEmbeddedRegistry()}
	p := NewProvider(&ProviderConfig{Registry: reg, Reference: irisRef, Logger: discardLogger()})
	assert.Equal(t, irisRef, p.Reference())

	_, err := p.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)
	assert.Contains(t, err.Error(), "registry offline")

	h, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(2), reg.calls.Load())
}

func TestProvider_CallerCancellation(t *testing.T) {
	reg := &countingRegistry{delay: 200 * time.Millisecond, inner: NewEmbeddedRegistry()}
	p := NewProvider(&ProviderConfig{Registry: reg, Reference: irisRef, Logger: discardLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Get(ctx)
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)

	// the shared resolution keeps running and later callers get its result
	h, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(1), reg.calls.Load())
}
