package scoring

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// ArtifactVersion is the artifact schema version written by Train.
const ArtifactVersion = 1

// Artifact is the on-disk form of a trained isolation forest.
type Artifact struct {
	Version        int       `yaml:"version"`
	Model          string    `yaml:"model"`
	Features       []string  `yaml:"features"`
	SampleSize     int       `yaml:"sample_size"`
	Seed           int64     `yaml:"seed"`
	Trees          []*Node   `yaml:"trees"`
	TrainingScores []float64 `yaml:"training_scores"`
}

// Validate checks the artifact can be scored.
func (a Artifact) Validate() error {
	switch {
	case a.Version != ArtifactVersion:
		return fmt.Errorf("version %d: %w", a.Version, ErrInvalidArtifact)
	case a.Model != ForestModelKind:
		return fmt.Errorf("model %q: %w", a.Model, ErrInvalidArtifact)
	case a.SampleSize < 2:
		return fmt.Errorf("sample_size %d: %w", a.SampleSize, ErrInvalidArtifact)
	case len(a.Trees) == 0:
		return fmt.Errorf("no trees: %w", ErrInvalidArtifact)
	case len(a.TrainingScores) == 0:
		return fmt.Errorf("no training scores: %w", ErrInvalidArtifact)
	}
	for i, t := range a.Trees {
		if err := validateNode(t); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	for _, s := range a.TrainingScores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("non-finite training score: %w", ErrInvalidArtifact)
		}
	}
	return nil
}

func validateNode(n *Node) error {
	if n == nil {
		return fmt.Errorf("nil node: %w", ErrInvalidArtifact)
	}
	if n.leaf() {
		return nil
	}
	if n.Left == nil || n.Right == nil || n.Feature == "" {
		return fmt.Errorf("incomplete split: %w", ErrInvalidArtifact)
	}
	if err := validateNode(n.Left); err != nil {
		return err
	}
	return validateNode(n.Right)
}

// LoadArtifact reads a YAML artifact from path.
func LoadArtifact(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact %s: %w", path, err)
	}
	var a Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if err := a.Validate(); err != nil {
		return Artifact{}, fmt.Errorf("artifact %s: %w", path, err)
	}
	return a, nil
}

// SaveArtifact writes a as YAML to path.
func SaveArtifact(path string, a Artifact) error {
	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	return nil
}
