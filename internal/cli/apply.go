package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/engine"
	"github.com/tidemark-io/tidemark/internal/eval"
	"github.com/tidemark-io/tidemark/internal/ir"
)

var (
	applyAutoApprove bool
	applyParallelism int
	applyPhaseLimit  int
	applyProperties  map[string]string
)

var applyCmd = &cobra.Command{
	Use:   "apply [manifest]",
	Short: "Converge the deployment toward its declared state",
	Long: `Plans and then executes the change set. Independent nodes run
concurrently; a node runs only after everything it depends on succeeded,
and a phase starts only after the previous phase completed cleanly.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Concurrency ceiling for independent nodes (default 10)")
	applyCmd.Flags().IntVar(&applyPhaseLimit, "phase-limit", -1, "Only apply nodes up to and including this phase (-1 for all)")
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runApply(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveEntry(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)

	fmt.Print("Loading deployment... ")
	dep, err := evaluator.LoadDeployment(ctx, entryPoint, applyProperties)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to load deployment: %w", err)
	}
	fmt.Println("OK")

	store, err := openStore(wd, rootState)
	if err != nil {
		return err
	}
	if err := store.Lock(dep.Name); err != nil {
		return err
	}
	defer store.Unlock(dep.Name)

	registry := newRegistry()
	eng := engine.NewEngine(registry)
	if applyParallelism > 0 {
		eng.Parallelism = applyParallelism
	}
	eng.Callback = func(event engine.Event) {
		fmt.Printf("  %s: %s %s\n", event.Node, event.Action, event.Status)
	}

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlan(ctx, dep, store)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	if applyPhaseLimit >= 0 {
		limitPlanPhase(plan, applyPhaseLimit)
	}

	if plan.Empty() {
		fmt.Println("No changes. Deployment is up-to-date.")
		return nil
	}

	fmt.Println("\nTidemark will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !applyAutoApprove {
		fmt.Print("\nDo you want to perform these actions? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	if err := loadRequiredProviders(registry, dep); err != nil {
		return err
	}
	if err := loadPlanProviders(registry, plan); err != nil {
		return err
	}

	fmt.Printf("\nApplying %d changes...\n", len(plan.Changes))

	result, err := eng.Apply(ctx, plan, store)
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}
	renderRunResult(result)

	fmt.Printf("\nApply complete! Nodes: %d succeeded, %d failed, %d skipped.\n",
		result.Count(ir.OutcomeSucceeded), result.Count(ir.OutcomeFailed), result.Count(ir.OutcomeSkipped))

	if result.Clean() {
		outputs, oerr := engine.ResolveOutputs(ctx, dep, store)
		if oerr == nil && len(outputs) > 0 {
			fmt.Println("\nOutputs:")
			for k, v := range outputs {
				fmt.Printf("  %s = %v\n", k, formatValue(v))
			}
		}
	}

	if result.Failed() {
		return fmt.Errorf("apply finished with failures")
	}
	return nil
}
