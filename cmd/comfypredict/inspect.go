package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/richinsley/comfypredict/workflow"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "List the workflow's nodes and the inputs a prediction patches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.NewStore(afero.NewOsFs(), a.cfg.Workflow).Load()
			if err != nil {
				return err
			}
			return inspectWorkflow(cmd.OutOrStdout(), wf, workflow.DefaultBindings)
		},
	}
}

// inspectWorkflow prints every node with its scalar inputs, then each
// binding with the value it currently holds. A binding that cannot be
// patched is an error.
func inspectWorkflow(out io.Writer, wf workflow.Workflow, bindings []workflow.Binding) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "NODE\tCLASS\tTITLE\tVALUES\n")
	for _, id := range wf.NodeIDs() {
		n := wf[id]
		keys := make([]string, 0, len(n.Inputs))
		for k, v := range n.Inputs {
			if workflow.IsScalar(v) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		values := ""
		for i, k := range keys {
			if i > 0 {
				values += " "
			}
			values += fmt.Sprintf("%s=%v", k, n.Inputs[k])
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, n.ClassType, n.Title(), values)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "PARAM\tNODE\tINPUT\tCURRENT\n")
	var bad error
	for _, b := range bindings {
		current, err := wf.Input(b.NodeID, b.Input)
		if err == nil && !workflow.IsScalar(current) {
			err = fmt.Errorf("node %q input %q is a link, not a value", b.NodeID, b.Input)
		}
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t%s\t<%v>\n", b.Param, b.NodeID, b.Input, err)
			if bad == nil {
				bad = fmt.Errorf("binding %s: %w", b.Param, err)
			}
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", b.Param, b.NodeID, b.Input, current)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return bad
}
