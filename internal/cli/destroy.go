package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/engine"
	"github.com/tidemark-io/tidemark/internal/eval"
	"github.com/tidemark-io/tidemark/internal/ir"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy [manifest]",
	Short: "Tear down everything the deployment applied",
	Long: `Destroys every node recorded in the deployment's state, dependents
before the nodes they depend on. A failed destroy blocks the destroy of
its own dependencies; everything else proceeds.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveEntry(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)

	fmt.Print("Loading deployment... ")
	dep, err := evaluator.LoadDeployment(ctx, entryPoint, nil)
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

	plan, err := eng.CreateDestroyPlan(ctx, dep, store)
	if err != nil {
		return fmt.Errorf("destroy planning failed: %w", err)
	}
	if len(plan.Changes) == 0 {
		fmt.Println("Nothing to destroy.")
		return nil
	}

	fmt.Println("\nTidemark will destroy the following nodes:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !destroyAutoApprove {
		fmt.Print("\nDo you really want to destroy all nodes? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	if err := loadPlanProviders(registry, plan); err != nil {
		return err
	}

	fmt.Printf("\nDestroying %d nodes...\n", len(plan.Changes))

	result, err := eng.Destroy(ctx, plan, store)
	if err != nil {
		return fmt.Errorf("destroy failed: %w", err)
	}
	renderRunResult(result)

	fmt.Printf("\nDestroy complete! Nodes: %d destroyed, %d failed, %d skipped.\n",
		result.Count(ir.OutcomeSucceeded), result.Count(ir.OutcomeFailed), result.Count(ir.OutcomeSkipped))

	if result.Failed() {
		return fmt.Errorf("destroy finished with failures")
	}
	return nil
}
