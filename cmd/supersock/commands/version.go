package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fxpool/supersocket"
)

const version = "0.1.0"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show supersock and wire protocol versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "supersock version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "wire protocol: %s\n", supersocket.ProtocolVersion)
			return nil
		},
	}
}
