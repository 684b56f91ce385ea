package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"srmjobs/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Get status of a request or file request",
	Long: `Retrieve detailed status information for a request, including its current
state (QUEUED, RUNNING, RETRYWAIT, DONE, FAILED, CANCELED), retry count and
timestamps. Container requests also list their file requests and the
aggregate state of the children.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			cmd.Printf("Error: invalid id %q\n", args[0])
			return
		}

		client := NewRequestClient(viper.GetString("url"))
		result, err := client.Get(id)
		if err != nil {
			printAPIError(cmd, "Status", err)
			return
		}

		printStatus(cmd, *result)
	},
}

func printStatus(cmd *cobra.Command, r api.JobResponse) {
	// Header with status icon
	icon := statusIcon(r.State)
	title := "Request Details"
	if r.Kind == "file" {
		title = "File Request Details"
	}
	cmd.Printf("%s %s%s%s\n", icon, colorBold, title, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %d\n", colorDim, colorReset, r.ID)
	cmd.Printf("%sType:%s        %s\n", colorDim, colorReset, r.Type)
	cmd.Printf("%sState:%s       %s\n", colorDim, colorReset, colorizeStatus(r.State))
	cmd.Printf("%sOwner:%s       %s\n", colorDim, colorReset, r.Owner.Name)

	if r.Target != "" {
		cmd.Printf("%sTarget:%s      %s\n", colorDim, colorReset, r.Target)
	}
	if r.RequestID != 0 {
		cmd.Printf("%sRequest:%s     %d\n", colorDim, colorReset, r.RequestID)
	}
	if r.Description != "" {
		cmd.Printf("%sDescription:%s %s\n", colorDim, colorReset, r.Description)
	}

	cmd.Printf("%sRetries:%s     %d/%d\n", colorDim, colorReset, r.NumberOfRetries, r.MaxNumberOfRetries)

	// Error (if present)
	if r.ErrorMessage != "" {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, r.ErrorMessage, colorReset)
	}

	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&r.CreationTime))
	cmd.Printf("%sLifetime:%s    %s\n", colorDim, colorReset, formatDuration(time.Duration(r.LifetimeSeconds)*time.Second))
	cmd.Printf("%sChanged:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&r.LastStateTransitionTime))

	if r.SchedulerID != "" {
		cmd.Printf("%sScheduler:%s   %s\n", colorDim, colorReset, r.SchedulerID)
	}

	if r.Aggregate != "" {
		cmd.Printf("%sFiles:%s       %d (%s)\n", colorDim, colorReset, len(r.Files), r.Aggregate)
		for _, f := range r.Files {
			cmd.Printf("  %s %d  %s\n", statusIcon(f.State), f.ID, f.Target)
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(state string) string {
	switch state {
	case "DONE":
		return colorGreen + "✓" + colorReset
	case "FAILED":
		return colorRed + "✗" + colorReset
	case "RUNNING":
		return colorYellow + "⏳" + colorReset
	case "RETRYWAIT":
		return colorYellow + "↻" + colorReset
	case "QUEUED", "NEW", "RESTORED":
		return colorCyan + "◯" + colorReset
	case "CANCELED":
		return colorDim + "⊘" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(state string) string {
	icon := statusIcon(state)
	switch state {
	case "DONE":
		return icon + " " + colorGreen + state + colorReset
	case "FAILED":
		return icon + " " + colorRed + state + colorReset
	case "RUNNING", "RETRYWAIT":
		return icon + " " + colorYellow + state + colorReset
	case "QUEUED", "NEW", "RESTORED":
		return icon + " " + colorCyan + state + colorReset
	case "CANCELED":
		return icon + " " + colorDim + state + colorReset
	default:
		return state
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
