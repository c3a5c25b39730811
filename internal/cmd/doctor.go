package cmd

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/runenv/internal/health"
	"github.com/felixgeelhaar/runenv/internal/metrics"
)

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that runtime envs can be built on this host",
		Long: `Run the same dependency checks the readiness probe runs.

Checks:
  • the cache directory is writable
  • python is installed (required for pip envs)
  • conda is installed (needed for conda envs)
  • docker is installed and reachable (needed for image_uri envs)

Examples:
  runenv doctor
  runenv doctor --format json`,
		RunE: runDoctor,
	}
}

// DoctorReport is the JSON output of "runenv doctor".
type DoctorReport struct {
	Status   health.Status             `json:"status"`
	CacheDir string                    `json:"cache_dir"`
	Checks   map[string]*health.Result `json:"checks"`
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}

	_, m := metrics.NewRegistry()
	executor := newExecutor(cc.Settings, cc.Logger, m)

	manager := health.NewManager()
	for _, checker := range healthCheckers(executor) {
		manager.AddChecker(checker)
	}

	results := manager.Check(cmd.Context())
	report := DoctorReport{
		Status:   health.OverallStatus(results),
		CacheDir: cc.Settings.CacheDir,
		Checks:   results,
	}

	if cc.JSON() {
		if err := cc.WriteJSON(report); err != nil {
			return err
		}
	} else {
		printReport(cc, report)
	}

	if report.Status == health.StatusUnhealthy {
		var failed []string
		for name, r := range results {
			if r.Status == health.StatusUnhealthy {
				failed = append(failed, name)
			}
		}
		sort.Strings(failed)
		return UnhealthyError(failed)
	}
	return nil
}

func printReport(cc *CommandContext, report DoctorReport) {
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	cc.Printf("%s %s\n\n", doctorStyles.title.Render("runenv doctor"), doctorStyles.muted.Render("(cache dir "+report.CacheDir+")"))
	for _, name := range names {
		r := report.Checks[name]
		cc.Printf("  %s %-16s %s", statusIcon(r.Status), name, r.Message)
		if v, ok := r.Details["version"]; ok {
			cc.Printf(" %s", doctorStyles.muted.Render(fmt.Sprintf("(%v)", v)))
		}
		cc.Printf("\n")
		if msg, ok := r.Details["error"]; ok && r.Status != health.StatusHealthy {
			cc.Printf("%s\n", indent("    "+msg.(string)))
		}
	}
	cc.Printf("\nOverall: %s\n", statusStyle(report.Status).Render(string(report.Status)))
}

var doctorStyles = struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
}{
	title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
	muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	success: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")),
	warning: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("226")),
	failure: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
}

func statusStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusHealthy:
		return doctorStyles.success
	case health.StatusDegraded:
		return doctorStyles.warning
	default:
		return doctorStyles.failure
	}
}

func statusIcon(s health.Status) string {
	icon := "✗"
	switch s {
	case health.StatusHealthy:
		icon = "✓"
	case health.StatusDegraded:
		icon = "!"
	}
	return statusStyle(s).Render(icon)
}
