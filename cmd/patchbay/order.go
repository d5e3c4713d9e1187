package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/patchbay/pkg/patchbay/order"
	"github.com/randalmurphal/patchbay/pkg/patchbay/patch"
)

// OrderResult is the json output of the order command.
type OrderResult struct {
	Order  []string `json:"order"`
	Cyclic []string `json:"cyclic,omitempty"`
}

// NewOrderCommand creates the order command.
func NewOrderCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order <patch>",
		Short: "Print the control evaluation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := patch.Load(args[0])
			if err != nil {
				return err
			}
			snap := store.Snapshot()
			res := order.Resolve(snap.IDs(), snap.Connections)

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, OrderResult{Order: res.Order, Cyclic: res.Cyclic})
			}
			for i, id := range res.Order {
				fmt.Fprintf(out, "%d. %s\n", i+1, id)
			}
			if res.HasCycle() {
				fmt.Fprintf(out, "cycle: %v evaluated in enumeration order\n", res.Cyclic)
			}
			return nil
		},
	}
}
