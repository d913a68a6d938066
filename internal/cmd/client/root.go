package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command holding every client command.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "xs",
		Short: "xs client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands registers the client commands on parent.
func AddCommands(parent *cobra.Command, baseURL BaseURLFunc) {
	parent.AddCommand(
		newAppendCommand(baseURL),
		newCatCommand(baseURL),
		newHeadCommand(baseURL),
		newGetCommand(baseURL),
		newRemoveCommand(baseURL),
		newCASCommand(baseURL),
		newContextCommand(baseURL),
		newWorkersCommand(baseURL),
	)
}
