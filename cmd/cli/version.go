package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version 构建时通过 -ldflags 注入
	Version = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("livedesk", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
