package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/meshgram/cmd/meshgram/internal"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("meshgram %s\n", internal.FormatVersion())
			fmt.Printf("  built: %s\n", internal.FormatBuildTime())
			fmt.Printf("  go:    %s\n", runtime.Version())
		},
	}
}
