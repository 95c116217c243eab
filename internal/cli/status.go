package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/botgate/botgate/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ botgate Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 botgate Status")
		fmt.Printf("Version: %s\n", version)

		path, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (" + path + ")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Load:    ✗ %v\n", err)
			return
		}
		fmt.Printf("Listen:  %s\n", cfg.Server.ListenAddr)
		if cfg.Teams.Enabled() {
			fmt.Println("Teams:   ✓ Enabled")
		} else {
			fmt.Println("Teams:   ✗ Disabled (missing credentials)")
		}
		if cfg.Data.Path != "" {
			fmt.Println("Data:    ✓ " + cfg.Data.Path)
		} else {
			fmt.Println("Data:    ✗ Disabled")
		}
	},
}
