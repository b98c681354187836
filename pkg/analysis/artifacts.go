package analysis

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/specguard/specguard/pkg/config"
)

// ValidateArtifacts confirms the required builder outputs exist under the
// workspace before the analysis container is allowed to run. Every missing
// artifact is named in one aggregated error; analysis is never attempted
// against an incomplete build.
func ValidateArtifacts(workspaceDir string, layout config.ArtifactLayout) error {
	required := []struct {
		label string
		rel   string
	}{
		{"bitcode", layout.Bitcode},
		{"build log", layout.BuildLog},
	}

	var result *multierror.Error
	for _, artifact := range required {
		full := filepath.Join(workspaceDir, artifact.rel)
		if _, err := os.Stat(full); err != nil {
			result = multierror.Append(result, fmt.Errorf("missing %s artifact at %s", artifact.label, artifact.rel))
		}
	}
	return result.ErrorOrNil()
}
