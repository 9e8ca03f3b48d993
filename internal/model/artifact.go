package model

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Artifact kinds
const (
	KindTreeEnsemble    = "tree_ensemble"
	KindNearestCentroid = "nearest_centroid"
)

//go:embed artifact.schema.json
var artifactSchemaJSON string

var (
	artifactSchemaOnce sync.Once
	artifactSchema     *jsonschema.Schema
	artifactSchemaErr  error
)

func compiledArtifactSchema() (*jsonschema.Schema, error) {
	artifactSchemaOnce.Do(func() {
		artifactSchema, artifactSchemaErr = jsonschema.CompileString("artifact.schema.json", artifactSchemaJSON)
	})
	return artifactSchema, artifactSchemaErr
}

// Artifact is the serialized form of a trained model.
type Artifact struct {
	Name         string      `json:"name"`
	Stage        string      `json:"stage"`
	Version      int         `json:"version"`
	Kind         string      `json:"kind"`
	FeatureNames []string    `json:"feature_names,omitempty"`
	Classes      []int       `json:"classes"`
	Trees        []Tree      `json:"trees,omitempty"`
	Centroids    [][]float64 `json:"centroids,omitempty"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is either a leaf carrying a label or a split on Feature <= Threshold.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Label     int     `json:"label,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// ParseArtifact validates raw JSON against the artifact schema and decodes it.
func ParseArtifact(data []byte) (*Artifact, error) {
	schema, err := compiledArtifactSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile artifact schema: %w", err)
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse artifact: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("artifact does not match schema: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &a, nil
}

// Build turns a validated artifact into a Handle.
func (a *Artifact) Build() (Handle, error) {
	base := artifactInfo{name: a.Name, stage: a.Stage, version: a.Version}

	switch a.Kind {
	case KindTreeEnsemble:
		for ti, tree := range a.Trees {
			if err := tree.check(a.Classes); err != nil {
				return nil, fmt.Errorf("tree %d: %w", ti, err)
			}
		}
		return &treeEnsemble{artifactInfo: base, trees: a.Trees, classes: a.Classes}, nil

	case KindNearestCentroid:
		if len(a.Centroids) != len(a.Classes) {
			return nil, fmt.Errorf("nearest_centroid needs one centroid per class: %d centroids, %d classes", len(a.Centroids), len(a.Classes))
		}
		return &nearestCentroid{artifactInfo: base, centroids: a.Centroids, classes: a.Classes}, nil
	}

	return nil, fmt.Errorf("unsupported model kind %q", a.Kind)
}

func (t Tree) check(classes []int) error {
	known := make(map[int]struct{}, len(classes))
	for _, c := range classes {
		known[c] = struct{}{}
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			if _, ok := known[n.Label]; !ok {
				return fmt.Errorf("node %d: label %d not in classes", i, n.Label)
			}
			continue
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: children must point forward inside the tree", i)
		}
	}
	return nil
}

type artifactInfo struct {
	name    string
	stage   string
	version int
}

func (a artifactInfo) Name() string  { return a.name }
func (a artifactInfo) Stage() string { return a.stage }
func (a artifactInfo) Version() int  { return a.version }

func checkShape(features [][]float64) error {
	for i, row := range features {
		if len(row) != 4 {
			return fmt.Errorf("row %d has %d features, want 4", i, len(row))
		}
	}
	return nil
}

type treeEnsemble struct {
	artifactInfo
	trees   []Tree
	classes []int
}

func (m *treeEnsemble) Predict(ctx context.Context, features [][]float64) ([]int, error) {
	if err := checkShape(features); err != nil {
		return nil, err
	}
	out := make([]int, len(features))
	votes := make(map[int]int, len(m.classes))
	for i, row := range features {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clear(votes)
		for _, tree := range m.trees {
			votes[tree.eval(row)]++
		}
		// Ties go to the class listed first.
		best, bestVotes := m.classes[0], -1
		for _, c := range m.classes {
			if votes[c] > bestVotes {
				best, bestVotes = c, votes[c]
			}
		}
		out[i] = best
	}
	return out, nil
}

// eval walks the tree. Children always point forward, so the walk terminates.
func (t Tree) eval(row []float64) int {
	idx := 0
	for {
		n := t.Nodes[idx]
		if n.Leaf {
			return n.Label
		}
		if row[n.Feature] <= n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
}

type nearestCentroid struct {
	artifactInfo
	centroids [][]float64
	classes   []int
}

func (m *nearestCentroid) Predict(ctx context.Context, features [][]float64) ([]int, error) {
	if err := checkShape(features); err != nil {
		return nil, err
	}
	out := make([]int, len(features))
	for i, row := range features {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		best, bestDist := 0, math.Inf(1)
		for ci, c := range m.centroids {
			var d float64
			for f := range row {
				diff := row[f] - c[f]
				d += diff * diff
			}
			if d < bestDist {
				best, bestDist = ci, d
			}
		}
		out[i] = m.classes[best]
	}
	return out, nil
}
