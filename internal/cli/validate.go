package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/engine"
	"github.com/tidemark-io/tidemark/internal/eval"
)

var validateCmd = &cobra.Command{
	Use:   "validate [manifest]",
	Short: "Validate the deployment manifest",
	Long: `Evaluates the PKL manifest and checks the resource graph: node names,
references, disabled dependencies, and cycles. Nothing is provisioned.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveEntry(args)
	if err != nil {
		return err
	}

	fmt.Printf("Checking %s... ", entryPoint)
	evaluator := eval.NewEvaluator(wd)
	dep, err := evaluator.LoadDeployment(cmd.Context(), entryPoint, nil)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}

	if _, err := engine.BuildGraph(dep.Nodes); err != nil {
		fmt.Println("FAILED")
		return &engine.ConfigurationError{Err: err}
	}
	fmt.Println("OK")

	fmt.Printf("\nDeployment %q is valid: %d nodes, %d enabled.\n",
		dep.Name, len(dep.Nodes), len(dep.EnabledNodes()))
	return nil
}
