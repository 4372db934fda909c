package crawlctl

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oremus-labs/ol-crawl-gateway/internal/taskclient"
	"github.com/spf13/cobra"
)

var (
	eventsTypes []string
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail gateway events",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		seen := 0
		err = client.Events(ctx, func(evt taskclient.BusEvent) bool {
			if !matchesEventType(evt.Type, eventsTypes) {
				return true
			}
			if asJSON {
				_ = printJSON(out, evt)
			} else {
				fmt.Fprintf(out, "%s  %-24s %s\n", evt.Timestamp.Format("15:04:05"), evt.Type, truncate(string(evt.Data), 96))
			}
			seen++
			return eventsLimit <= 0 || seen < eventsLimit
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringSliceVar(&eventsTypes, "type", nil, "Only show these event types (prefix match, e.g. task.)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "Stop after this many events (0 tails forever)")
}

func matchesEventType(eventType string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.HasPrefix(eventType, f) {
			return true
		}
	}
	return false
}
