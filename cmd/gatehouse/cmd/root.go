package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse is a backend-for-frontend session gateway",
	Long: `A backend-for-frontend gateway that turns an OAuth login into a
server-held session and guards every state-changing request with a
double-submit CSRF token.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
