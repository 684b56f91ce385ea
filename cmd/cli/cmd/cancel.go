package cmd

import (
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a request",
	Long: `Cancel a request or a single file request. Canceling a container request
also cancels its unfinished file requests. Requests that already finished
cannot be canceled.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			cmd.Printf("Error: invalid id %q\n", args[0])
			return
		}
		reason, _ := cmd.Flags().GetString("reason")

		client := NewRequestClient(viper.GetString("url"))
		result, err := client.Cancel(id, reason)
		if err != nil {
			printAPIError(cmd, "Cancel", err)
			return
		}

		cmd.Printf("%s Request %d is %s\n", statusIcon(result.State), result.ID, result.State)
	},
}

func init() {
	cancelCmd.Flags().StringP("reason", "r", "", "Reason recorded as the error message")
	rootCmd.AddCommand(cancelCmd)
}
