package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/runenv/internal/journal"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the runtime env lifecycle journal",
		Long: `Print lifecycle events recorded under <cache_dir>/.events: jobs starting
and ending, setups starting, succeeding and failing, callers giving up on a
setup, cached failures expiring and envs being released.

Examples:
  runenv events
  runenv events --fingerprint 3f2a... --limit 20
  runenv events --type setup_failed --format json`,
		Args: cobra.NoArgs,
		RunE: runEvents,
	}
	cmd.Flags().String("fingerprint", "", "only events for this runtime env")
	cmd.Flags().String("job", "", "only events for this job")
	cmd.Flags().String("type", "", "only events of this type, e.g. setup_failed")
	cmd.Flags().Int("limit", 50, "show at most this many of the newest events (0 for all)")
	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}

	filter := journal.Filter{}
	filter.Fingerprint, _ = cmd.Flags().GetString("fingerprint")
	filter.JobID, _ = cmd.Flags().GetString("job")
	eventType, _ := cmd.Flags().GetString("type")
	filter.Type = journal.EventType(eventType)
	filter.Limit, _ = cmd.Flags().GetInt("limit")

	events, err := journal.Read(cc.Settings.EventsDir(), filter)
	if err != nil {
		return err
	}

	if cc.JSON() {
		if events == nil {
			events = []*journal.Event{}
		}
		return cc.WriteJSON(events)
	}

	if len(events) == 0 {
		cc.Printf("no events\n")
		return nil
	}
	for _, e := range events {
		subject := e.JobID
		if e.Fingerprint != "" {
			subject = shortFingerprint(e.Fingerprint)
		}
		cc.Printf("%s  %-16s %-12s %s", e.Timestamp.Local().Format(time.DateTime), e.Type, subject, e.Message)
		if e.Duration != nil {
			cc.Printf(" in %s", e.Duration.Round(time.Millisecond))
		}
		if e.ErrorCode != "" {
			cc.Printf(" [%s]", e.ErrorCode)
		}
		cc.Printf("\n")
	}
	return nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
