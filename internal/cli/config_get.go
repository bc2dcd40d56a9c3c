package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func NewConfigGetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Get a runtime override, or all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				all, err := app.Store.AllConfig(cmd.Context())
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(all))
				for k := range all {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "%s = %s\n", k, all[k])
				}
				return nil
			}

			val, err := app.Store.GetConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if val == "" {
				fmt.Fprintln(out, "(not set)")
			} else {
				fmt.Fprintln(out, val)
			}
			return nil
		},
	}
}
