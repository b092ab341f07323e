package cmd

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/session"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a wrapping key for the bolt and postgres session stores",
	Long: `Prints a random base64 key suitable for GATEHOUSE_WRAPPING_KEY.
Changing the key later discards every persisted session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := util.RandomBytes(session.WrappingKeySize)
		if err != nil {
			return err
		}
		defer util.WipeBytes(key)
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
