package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/iris-serving/internal/domain"
	"golang.org/x/sync/singleflight"
)

// ResolveObserver is notified after every registry resolution attempt.
type ResolveObserver interface {
	ObserveModelResolution(err error, took time.Duration)
}

// ProviderConfig holds Provider dependencies
type ProviderConfig struct {
	Registry  Registry
	Reference Reference
	Logger    *slog.Logger
	Observer  ResolveObserver
}

// Provider lazily resolves the active model once per process and hands the
// same Handle to every caller afterwards. Failed resolutions are not cached.
type Provider struct {
	registry Registry
	ref      Reference
	logger   *slog.Logger
	observer ResolveObserver

	handle atomic.Pointer[handleBox]
	group  singleflight.Group
}

type handleBox struct {
	h Handle
}

// NewProvider creates a Provider. Nothing is resolved until the first Get.
func NewProvider(cfg *ProviderConfig) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		registry: cfg.Registry,
		ref:      cfg.Reference,
		logger:   logger,
		observer: cfg.Observer,
	}
}

// Reference returns the model reference this provider resolves.
func (p *Provider) Reference() Reference {
	return p.ref
}

// Get returns the cached handle or resolves it. Concurrent first callers
// share one registry call and all see its outcome.
func (p *Provider) Get(ctx context.Context) (Handle, error) {
	if box := p.handle.Load(); box != nil {
		return box.h, nil
	}

	ch := p.group.DoChan(p.ref.URI(), func() (interface{}, error) {
		if box := p.handle.Load(); box != nil {
			return box.h, nil
		}
		return p.resolve(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Handle), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrModelUnavailable, p.ref.URI(), ctx.Err())
	}
}

func (p *Provider) resolve(ctx context.Context) (Handle, error) {
	start := time.Now()
	p.logger.Info("Resolving model from registry",
		slog.String("model_uri", p.ref.URI()),
	)

	h, err := p.registry.Resolve(ctx, p.ref)
	if err == nil && h == nil {
		err = fmt.Errorf("registry returned no handle")
	}
	if p.observer != nil {
		p.observer.ObserveModelResolution(err, time.Since(start))
	}
	if err != nil {
		p.logger.Error("Model resolution failed",
			slog.String("model_uri", p.ref.URI()),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrModelUnavailable, p.ref.URI(), err)
	}

	p.handle.Store(&handleBox{h: h})
	p.logger.Info("Model resolved",
		slog.String("model_uri", p.ref.URI()),
		slog.Int("version", h.Version()),
		slog.Duration("took", time.Since(start)),
	)
	return h, nil
}
