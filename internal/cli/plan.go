package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/engine"
	"github.com/tidemark-io/tidemark/internal/eval"
)

var (
	planOutFile    string
	planProperties map[string]string
)

var planCmd = &cobra.Command{
	Use:   "plan [manifest]",
	Short: "Show what an apply would change",
	Long: `Diffs the desired deployment against the last applied state and
prints the resulting change set without touching any resource.

The plan shows:
  • Nodes to be created
  • Nodes to be updated (with input diff)
  • Nodes to be destroyed`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the plan as JSON to a file")
	planCmd.Flags().StringToStringVarP(&planProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveEntry(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)

	fmt.Print("Loading deployment... ")
	dep, err := evaluator.LoadDeployment(ctx, entryPoint, planProperties)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to load deployment: %w", err)
	}
	fmt.Println("OK")

	store, err := openStore(wd, rootState)
	if err != nil {
		return err
	}

	eng := engine.NewEngine(newRegistry())

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlan(ctx, dep, store)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	if plan.Empty() {
		fmt.Println("\nNo changes. Deployment is up-to-date.")
	} else {
		fmt.Println("\nTidemark will perform the following actions:")
		renderPlanChanges(plan)
	}
	renderPlanSummary(plan)

	if planOutFile != "" {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write plan file: %w", err)
		}
		fmt.Printf("\nPlan written to %s\n", planOutFile)
	}

	return nil
}
