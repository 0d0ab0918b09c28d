package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newTagsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Manage device tags",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "set DEVICE KEY=VALUE...",
		Short:   "Set tags on a device",
		Example: `  flowkeeper tags set s1 rack=r12 role=leaf`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tags := make(map[string]string, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid tag %q, expected KEY=VALUE", kv)
				}
				tags[k] = v
			}

			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.manager.SetTags(cmd.Context(), args[0], tags)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list DEVICE",
		Short: "List a device's tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			tags, err := a.manager.Tags(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(tags)
			}
			for _, k := range sortedKeys(tags) {
				fmt.Printf("%s=%s\n", k, tags[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete DEVICE KEY",
		Short: "Delete a tag from a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.manager.DeleteTag(cmd.Context(), args[0], args[1])
		},
	})

	return cmd
}
