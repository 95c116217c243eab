package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/botgate/botgate/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"  _           _             _\n" +
		" | |__   ___ | |_ __ _ __ _| |_ ___\n" +
		" | '_ \\ / _ \\| __/ _` / _` | __/ _ \\\n" +
		" | |_) | (_) | || (_| (_| | ||  __/\n" +
		" |_.__/ \\___/ \\__\\__, \\__,_|\\__\\___|\n" +
		"                 |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "botgate",
	Short: "botgate - Teams webhook bridge",
	Long:  color.CyanString(logo) + "\nA session-emulating bridge between Bot Framework webhooks and application hooks.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}
