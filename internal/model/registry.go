package model

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

//go:embed artifacts
var builtinArtifacts embed.FS

// ErrModelNotFound is returned by registries when no artifact exists for a reference.
var ErrModelNotFound = errors.New("model not found in registry")

// FSRegistry resolves <name>/<stage>.json artifacts from a filesystem.
type FSRegistry struct {
	fsys fs.FS
	desc string
}

// NewFileRegistry reads artifacts from a directory on disk.
func NewFileRegistry(dir string) (*FSRegistry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat model registry dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model registry path %q is not a directory", dir)
	}
	return &FSRegistry{fsys: os.DirFS(dir), desc: filepath.Clean(dir)}, nil
}

// NewEmbeddedRegistry serves the artifacts compiled into the binary.
func NewEmbeddedRegistry() *FSRegistry {
	sub, err := fs.Sub(builtinArtifacts, "artifacts")
	if err != nil {
		// the embed directive guarantees the directory exists
		panic(err)
	}
	return &FSRegistry{fsys: sub, desc: "embedded"}
}

// Resolve loads, validates and builds the artifact for ref.
func (r *FSRegistry) Resolve(ctx context.Context, ref Reference) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref.Name == "" || ref.Stage == "" {
		return nil, fmt.Errorf("model reference needs a name and a stage, got %q", ref.URI())
	}

	p := path.Join(ref.Name, ref.Stage+".json")
	data, err := fs.ReadFile(r.fsys, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrModelNotFound, ref.URI(), r.desc)
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", p, err)
	}

	artifact, err := ParseArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref.URI(), err)
	}
	if artifact.Name != ref.Name || artifact.Stage != ref.Stage {
		return nil, fmt.Errorf("%s: artifact declares %s/%s", ref.URI(), artifact.Name, artifact.Stage)
	}
	return artifact.Build()
}
