package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidemark-io/tidemark/internal/ir"
	"github.com/tidemark-io/tidemark/internal/provider"
	"github.com/tidemark-io/tidemark/internal/state"
	"github.com/tidemark-io/tidemark/providers/azure"
	"github.com/tidemark-io/tidemark/providers/image"
	"github.com/tidemark-io/tidemark/providers/null"
)

// resolveEntry turns an optional positional argument into a working
// directory and a manifest entry point. Default is main.pkl in the
// current directory.
func resolveEntry(args []string) (wd, entryPoint string, err error) {
	wd, err = os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint = "main.pkl"

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if info.IsDir() {
			wd = absPath
		} else {
			wd = filepath.Dir(absPath)
			entryPoint = filepath.Base(absPath)
		}
	}
	return wd, entryPoint, nil
}

// openStore builds the state store selected by --state. An empty value
// means a local JSON file under .tidemark/; azblob:// and s3:// select
// the remote backends.
//
//	azblob://<account>/<container>[/<prefix>]
//	s3://<bucket>[/<prefix>]
func openStore(wd, spec string) (state.Store, error) {
	switch {
	case spec == "":
		return state.NewLocalStore(filepath.Join(wd, ".tidemark", "state.json")), nil

	case strings.HasPrefix(spec, "azblob://"):
		rest := strings.TrimPrefix(spec, "azblob://")
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid state address %q: expected azblob://<account>/<container>[/<prefix>]", spec)
		}
		cfg := state.BlobConfig{
			AccountURL: fmt.Sprintf("https://%s.blob.core.windows.net", parts[0]),
			Container:  parts[1],
		}
		if len(parts) == 3 {
			cfg.Prefix = parts[2]
		}
		return state.NewBlobStore(cfg)

	case strings.HasPrefix(spec, "s3://"):
		rest := strings.TrimPrefix(spec, "s3://")
		parts := strings.SplitN(rest, "/", 2)
		cfg := state.S3Config{
			Bucket:        parts[0],
			Region:        os.Getenv("AWS_REGION"),
			DynamoDBTable: os.Getenv("TIDEMARK_LOCK_TABLE"),
			Encrypt:       true,
		}
		if len(parts) == 2 {
			cfg.Prefix = parts[1]
		}
		return state.NewS3Store(cfg)
	}
	return nil, fmt.Errorf("invalid state address %q: expected a local path scheme, azblob:// or s3://", spec)
}

// newRegistry returns a registry with every built-in provider factory
// registered. Nothing is initialized until a deployment needs it.
func newRegistry() *provider.Registry {
	registry := provider.NewRegistry()
	registry.Register("azure", azure.New)
	registry.Register("image", image.New)
	registry.Register("null", null.New)
	return registry
}

// loadRequiredProviders initializes every provider the deployment's
// nodes reference.
func loadRequiredProviders(registry *provider.Registry, dep *ir.Deployment) error {
	seen := make(map[string]bool)
	for _, n := range dep.Nodes {
		name := n.ProviderName()
		if !seen[name] {
			seen[name] = true
			if err := registry.Load(name); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", name, err)
			}
		}
	}
	return nil
}

// loadPlanProviders initializes providers referenced by plan entries.
// Destroy entries can name providers no current node uses.
func loadPlanProviders(registry *provider.Registry, plan *ir.Plan) error {
	seen := make(map[string]bool)
	for _, c := range plan.Changes {
		if c.Provider != "" && !seen[c.Provider] {
			seen[c.Provider] = true
			if err := registry.Load(c.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", c.Provider, err)
			}
		}
	}
	return nil
}

const timeRound = 10 * time.Millisecond

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
)

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		if change.Action == ir.ActionNoOp {
			continue
		}

		symbol := "~"
		color := colorYellow
		verb := "updated"
		switch change.Action {
		case ir.ActionCreate:
			symbol, color, verb = "+", colorGreen, "created"
		case ir.ActionDestroy:
			symbol, color, verb = "-", colorRed, "destroyed"
		}

		fmt.Printf("\n%s  # %s will be %s (%s)%s\n", color, change.Node, verb, change.Reason, colorReset)
		fmt.Printf("%s  %s node %q kind %q {\n", color, symbol, change.Node, change.Kind)
		renderPropertyDiff(change)
		fmt.Printf("%s  }%s\n", color, colorReset)
	}
}

// renderPropertyDiff prints structured property diffs.
func renderPropertyDiff(change *ir.NodeChange) {
	for key, diff := range change.Diff {
		switch diff.Action {
		case "create":
			fmt.Printf("%s      + %s = %v%s\n", colorGreen, key, formatValue(diff.After), colorReset)
		case "delete":
			fmt.Printf("%s      - %s = %v%s\n", colorRed, key, formatValue(diff.Before), colorReset)
		case "update":
			fmt.Printf("%s      ~ %s = %v -> %v%s\n", colorYellow, key, formatValue(diff.Before), formatValue(diff.After), colorReset)
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// limitPlanPhase drops changes above the given phase and recomputes the
// summary. Later phases only ever depend on earlier ones, so the
// remaining change set stays self-contained.
func limitPlanPhase(plan *ir.Plan, limit int) {
	kept := plan.Changes[:0]
	summary := &ir.PlanSummary{}
	for _, c := range plan.Changes {
		if c.Phase > limit {
			continue
		}
		kept = append(kept, c)
		switch c.Action {
		case ir.ActionCreate:
			summary.Create++
		case ir.ActionUpdate:
			summary.Update++
		case ir.ActionDestroy:
			summary.Destroy++
		case ir.ActionNoOp:
			summary.NoOp++
		}
	}
	plan.Changes = kept
	plan.Summary = summary
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create:  %d\n", plan.Summary.Create)
	fmt.Printf("  Update:  %d\n", plan.Summary.Update)
	fmt.Printf("  Destroy: %d\n", plan.Summary.Destroy)
	fmt.Printf("  NoOp:    %d\n", plan.Summary.NoOp)
}

// renderRunResult prints per-node outcomes after an apply or destroy.
func renderRunResult(result *ir.RunResult) {
	for _, o := range result.Outcomes {
		switch o.Status {
		case ir.OutcomeSucceeded:
			fmt.Printf("%s  ✓ %s (%s, %s)%s\n", colorGreen, o.Node, o.Action, o.Duration.Round(timeRound), colorReset)
		case ir.OutcomeFailed:
			fmt.Printf("%s  ✗ %s: %v%s\n", colorRed, o.Node, o.Err, colorReset)
		case ir.OutcomeSkipped:
			fmt.Printf("%s  - %s skipped%s\n", colorYellow, o.Node, colorReset)
		case ir.OutcomeCancelled:
			fmt.Printf("%s  - %s cancelled%s\n", colorYellow, o.Node, colorReset)
		}
	}
}
