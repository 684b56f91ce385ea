package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List request ids",
	Long: `List the ids of top-level requests, newest first.

Example:
  srmctl list --type get --owner alice --state queued,running --limit 20`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		typeName, _ := flags.GetString("type")
		owner, _ := flags.GetString("owner")
		states, _ := flags.GetStringSlice("state")
		limit, _ := flags.GetInt("limit")

		client := NewRequestClient(viper.GetString("url"))
		ids, err := client.List(typeName, owner, states, limit)
		if err != nil {
			printAPIError(cmd, "List", err)
			return
		}

		if len(ids) == 0 {
			cmd.Println("No requests found")
			return
		}
		for _, id := range ids {
			cmd.Println(id)
		}
	},
}

func init() {
	flags := listCmd.Flags()
	flags.String("type", "", "Only requests of this type")
	flags.StringP("owner", "o", "", "Only requests of this owner")
	flags.StringSliceP("state", "s", nil, "Only requests in these states, e.g. queued,running")
	flags.IntP("limit", "l", 0, "Maximum number of ids (server default when 0)")

	rootCmd.AddCommand(listCmd)
}

