package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/engine"
	"github.com/tidemark-io/tidemark/internal/eval"
)

var outputJSON bool

var outputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Show deployment output values",
	Long: `Resolves the deployment's declared outputs against the applied
state. If no name is given, all outputs are displayed.`,
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
}

func runOutput(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveEntry(nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	dep, err := evaluator.LoadDeployment(ctx, entryPoint, nil)
	if err != nil {
		return fmt.Errorf("failed to load deployment: %w", err)
	}

	store, err := openStore(wd, rootState)
	if err != nil {
		return err
	}

	outputs, err := engine.ResolveOutputs(ctx, dep, store)
	if err != nil {
		return err
	}

	if len(args) > 0 {
		name := args[0]
		val, ok := outputs[name]
		if !ok {
			return fmt.Errorf("output %q not found", name)
		}
		if outputJSON {
			data, _ := json.Marshal(val)
			fmt.Println(string(data))
		} else {
			fmt.Println(val)
		}
		return nil
	}

	if len(outputs) == 0 {
		fmt.Println("No outputs defined.")
		return nil
	}

	if outputJSON {
		data, _ := json.MarshalIndent(outputs, "", "  ")
		fmt.Println(string(data))
	} else {
		for k, v := range outputs {
			fmt.Printf("%s = %v\n", k, v)
		}
	}

	return nil
}
