package client

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// newCASCommand constructs the `cas` command group.
func newCASCommand(baseURL BaseURLFunc) *cobra.Command {
	casCmd := &cobra.Command{Use: "cas", Short: "Content store operations"}

	getCmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Write the content for a hash to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newTransport(baseURL).CASGet(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}

	putCmd := &cobra.Command{
		Use:   "put",
		Short: "Store content from --data or stdin and print its hash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, _ := cmd.Flags().GetString("data")
			var r io.Reader = cmd.InOrStdin()
			if data != "" {
				r = strings.NewReader(data)
			}
			h, err := newTransport(baseURL).CASPut(cmd.Context(), r)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
	putCmd.Flags().String("data", "", "Content to store instead of stdin")

	casCmd.AddCommand(getCmd, putCmd)
	return casCmd
}
