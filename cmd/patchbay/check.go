package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/patchbay/pkg/patchbay/logic"
	"github.com/randalmurphal/patchbay/pkg/patchbay/patch"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <patch>",
		Short: "Validate a patch and compile its logic",
		Long: `Validate every definition, compile every logic body and load the
patch into a store, reporting all problems at once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := patch.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := doc.Check(logic.NewCompiler()); err != nil {
				return err
			}
			if _, _, err := patch.Load(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d definitions, %d instances, %d connections\n",
				len(doc.Definitions), len(doc.Instances), len(doc.Connections))
			return nil
		},
	}
}
