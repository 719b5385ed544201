package eval

import (
	"context"
	"fmt"
	"net/url"

	"github.com/apple/pkl-go/pkl"
	"github.com/tidemark-io/tidemark/internal/ir"
)

// Evaluator loads deployment manifests written in PKL into IR types.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// LoadDeployment evaluates a manifest and returns the deployment it
// declares. External properties override manifest-level defaults.
func (e *Evaluator) LoadDeployment(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Deployment, error) {
	u, err := url.Parse("file://" + e.projectDir + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
	}

	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	evaluator, err := pkl.NewProjectEvaluator(ctx, u, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var dep ir.Deployment
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(entryPoint), &dep); err != nil {
		return nil, fmt.Errorf("failed to evaluate manifest: %w", err)
	}
	if dep.Name == "" {
		return nil, fmt.Errorf("manifest %s does not name its deployment", entryPoint)
	}

	seen := make(map[string]bool, len(dep.Nodes))
	for _, n := range dep.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("manifest %s declares a node without a name", entryPoint)
		}
		if seen[n.Name] {
			return nil, fmt.Errorf("duplicate node name %q in deployment %s", n.Name, dep.Name)
		}
		seen[n.Name] = true
	}

	return &dep, nil
}
