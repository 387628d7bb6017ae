package bridge

import (
	"github.com/spf13/cobra"
)

func NewBridgeCommand() *cobra.Command {
	var debug bool
	var noConnect bool
	var logFile string

	cmd := &cobra.Command{
		Use:     "bridge",
		Aliases: []string{"b"},
		Short:   "Run the mesh-to-chat bridge",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return bridgeCmd(debug, noConnect, logFile)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "Start without dialing the radio (use /connect from chat)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Duplicate log output into this file")

	return cmd
}
