package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/engine"
	"github.com/tidemark-io/tidemark/internal/eval"
)

var graphCmd = &cobra.Command{
	Use:   "graph [manifest]",
	Short: "Output the dependency graph in DOT format",
	Long: `Generates a visual representation of the resource dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  tidemark graph | dot -Tpng > graph.png`,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveEntry(args)
	if err != nil {
		return err
	}

	evaluator := eval.NewEvaluator(wd)
	dep, err := evaluator.LoadDeployment(cmd.Context(), entryPoint, nil)
	if err != nil {
		return fmt.Errorf("failed to load deployment: %w", err)
	}

	graph, err := engine.BuildGraph(dep.Nodes)
	if err != nil {
		return &engine.ConfigurationError{Err: err}
	}

	fmt.Println("digraph tidemark {")
	fmt.Println("  rankdir = \"BT\";")
	fmt.Println("  node [shape = rect];")
	fmt.Println()

	for _, name := range graph.ApplyOrder() {
		node := dep.Node(name)
		fmt.Printf("  %q [label=\"%s\\n%s\"];\n", name, name, node.Kind)
	}
	fmt.Println()

	for _, name := range graph.ApplyOrder() {
		for _, depName := range graph.Dependencies(name) {
			fmt.Printf("  %q -> %q;\n", name, depName)
		}
	}

	fmt.Println("}")
	return nil
}
