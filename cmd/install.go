package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"pixeloff/internal/strategy"
)

var installBrowsersCmd = &cobra.Command{
	Use:   "install-browsers",
	Short: "Download the Chromium build used by the relay strategy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Installing Chromium for the relay strategy...")
		if err := strategy.InstallBrowsers(); err != nil {
			return err
		}
		fmt.Println("Done.")
		return nil
	},
}
