package scoring

import (
	"fmt"
	"strings"
)

const filePrefix = "file:"

// Resolve loads the model named by a score_model_reference. Supported
// references are builtin:zscore-v1 and file:<path to forest artifact>.
func Resolve(ref string) (Model, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == ZScoreModelName:
		return ZScoreModel{}, nil
	case strings.HasPrefix(ref, filePrefix):
		path := strings.TrimPrefix(ref, filePrefix)
		a, err := LoadArtifact(path)
		if err != nil {
			return nil, err
		}
		return NewForest(ref, a)
	}
	return nil, fmt.Errorf("%q: %w", ref, ErrUnknownModel)
}
