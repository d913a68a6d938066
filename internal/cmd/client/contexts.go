package client

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newContextCommand constructs the `context` command group.
func newContextCommand(baseURL BaseURLFunc) *cobra.Command {
	ctxCmd := &cobra.Command{Use: "context", Aliases: []string{"ctx"}, Short: "Context operations"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a context and print its frame",
		RunE: func(cmd *cobra.Command, _ []string) error {
			metaJSON, _ := cmd.Flags().GetString("meta")
			var meta map[string]any
			if metaJSON != "" {
				if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
					return fmt.Errorf("invalid --meta: %w", err)
				}
			}
			f, err := newTransport(baseURL).CreateContext(cmd.Context(), meta)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), f)
		},
	}
	createCmd.Flags().String("meta", "", "Metadata as a JSON object")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List context ids",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := newTransport(baseURL).Contexts(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}

	ctxCmd.AddCommand(createCmd, listCmd)
	return ctxCmd
}

// newWorkersCommand constructs the `workers` command.
func newWorkersCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List running workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			running, err := newTransport(baseURL).Workers(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(running)
		},
	}
}
