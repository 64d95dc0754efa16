package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meli/pkg/audio/device"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meli %s (%s, %s/%s, portaudio=%t)\n",
				version, runtime.Version(), runtime.GOOS, runtime.GOARCH, device.PortAudioAvailable)
		},
	}
}
