package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"srmjobs/pkg/api"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a storage request",
	Long: `Submit a new request to the controller. The request is queued before
the command returns.

Container types (such as get) take one --file per target; each becomes a
file request of its own. --file-attr applies to every file.

Example:
  srmctl submit --type get --owner alice --file srm://se.example.org/data/a --file-attr protocol=gsiftp
  srmctl submit --type reserve --owner alice --attr size=1048576 --lifetime 2h --retries 3 --retry-delta 30s`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		typeName, _ := flags.GetString("type")
		owner, _ := flags.GetString("owner")
		uid, _ := flags.GetInt("uid")
		gid, _ := flags.GetInt("gid")
		description, _ := flags.GetString("description")
		lifetime, _ := flags.GetDuration("lifetime")
		retries, _ := flags.GetInt("retries")
		retryDelta, _ := flags.GetDuration("retry-delta")
		grow, _ := flags.GetBool("grow-retry-delta")
		attrFlags, _ := flags.GetStringArray("attr")
		files, _ := flags.GetStringArray("file")
		fileAttrFlags, _ := flags.GetStringArray("file-attr")

		if typeName == "" {
			cmd.Println("Error: --type is required")
			return
		}

		if owner == "" {
			cmd.Println("Error: --owner is required")
			return
		}

		if lifetime <= 0 {
			cmd.Println("Error: --lifetime must be positive")
			return
		}

		attrs, err := parseAttrs(attrFlags)
		if err != nil {
			cmd.Printf("Error: --attr %v\n", err)
			return
		}
		fileAttrs, err := parseAttrs(fileAttrFlags)
		if err != nil {
			cmd.Printf("Error: --file-attr %v\n", err)
			return
		}

		req := api.SubmitRequest{
			Type:              typeName,
			Owner:             api.Owner{Name: owner, UID: uid, GID: gid},
			Description:       description,
			LifetimeSeconds:   int64(lifetime / time.Second),
			MaxRetries:        retries,
			RetryDeltaSeconds: int64(retryDelta / time.Second),
			GrowRetryDelta:    grow,
			Attrs:             attrs,
		}
		for _, target := range files {
			req.Files = append(req.Files, api.FileSpec{Target: target, Attrs: fileAttrs})
		}

		client := NewRequestClient(viper.GetString("url"))
		result, err := client.Submit(req)
		if err != nil {
			printAPIError(cmd, "Submit", err)
			return
		}

		cmd.Printf("✓ Request submitted!\nRequest ID: %d\nState: %s\n", result.ID, result.State)
		for _, id := range result.FileIDs {
			cmd.Printf("File request ID: %d\n", id)
		}
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.String("type", "", "Request type, e.g. get or reserve (required)")
	flags.StringP("owner", "o", "", "Owner name the request runs as (required)")
	flags.Int("uid", 0, "Owner uid")
	flags.Int("gid", 0, "Owner gid")
	flags.StringP("description", "d", "", "Free-form description")
	flags.Duration("lifetime", time.Hour, "Lifetime after which an unfinished request fails")
	flags.Int("retries", 0, "Maximum number of retries")
	flags.Duration("retry-delta", 0, "Minimum wait between retries")
	flags.Bool("grow-retry-delta", false, "Double the retry wait on every retry")
	flags.StringArray("attr", nil, "Request attribute key=value (repeatable)")
	flags.StringArrayP("file", "f", nil, "Target of a file request (repeatable)")
	flags.StringArray("file-attr", nil, "Attribute key=value applied to every file request (repeatable)")

	rootCmd.AddCommand(submitCmd)
}

// parseAttrs turns key=value pairs into a map. It returns nil for no pairs.
func parseAttrs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q must be formatted as key=value", pair)
		}
		attrs[key] = value
	}
	return attrs, nil
}
