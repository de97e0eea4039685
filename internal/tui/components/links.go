package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/replicore/internal/metrics"
)

var (
	linkHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	linkReadingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	linkIdleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	linkWritingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
	linkErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

// RenderLinks renders the per-link replication progress table.
func RenderLinks(snap metrics.Snapshot, width, maxRows int) string {
	if len(snap.Links) == 0 {
		return "  No links tracked"
	}

	var b strings.Builder

	header := fmt.Sprintf("  %-24s %-16s %-18s %s", "Source", "State", "Progress", "Lag")
	b.WriteString(linkHeaderStyle.Render(header))
	b.WriteByte('\n')

	shown := len(snap.Links)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}

	for i := 0; i < shown; i++ {
		lp := snap.Links[i]
		name := lp.SourceEndpointID + "/" + lp.LogName
		if len(name) > 22 {
			name = name[:19] + "..."
		}

		var stateStr string
		switch lp.State {
		case metrics.LinkReading, metrics.LinkFetching:
			stateStr = linkReadingStyle.Render(string(lp.State))
		case metrics.LinkWriting:
			stateStr = linkWritingStyle.Render(string(lp.State))
		default:
			stateStr = linkIdleStyle.Render(string(lp.State))
		}

		progressStr := fmt.Sprintf("%s/%s", formatCount(int64(lp.LocalProgress)), formatCount(int64(lp.RemoteSequenceNr)))

		var lagStr string
		if lp.ErrorCount > 0 {
			lagStr = linkErrorStyle.Render(fmt.Sprintf("%d errs", lp.ErrorCount))
		} else {
			lagStr = fmt.Sprintf("%d events", lp.LagEvents)
		}

		line := fmt.Sprintf("  %-24s %-16s %-18s %s", name, stateStr, progressStr, lagStr)
		b.WriteString(line)
		if i < shown-1 {
			b.WriteByte('\n')
		}
	}

	if len(snap.Links) > shown {
		b.WriteByte('\n')
		b.WriteString(fmt.Sprintf("  ... and %d more links", len(snap.Links)-shown))
	}

	return b.String()
}

func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
