package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/meshgram/cmd/meshgram/internal"
	"github.com/tinyland-inc/meshgram/cmd/meshgram/internal/bridge"
	"github.com/tinyland-inc/meshgram/cmd/meshgram/internal/version"
)

func NewMeshgramCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "meshgram",
		Short:   "meshgram - Meshtastic to Telegram bridge v" + internal.FormatVersion(),
		Example: "meshgram bridge",
	}

	cmd.AddCommand(
		bridge.NewBridgeCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewMeshgramCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
