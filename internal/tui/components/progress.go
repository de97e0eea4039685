package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/replicore/internal/metrics"
)

// RenderProgress renders the aggregate catch-up progress across every
// tracked link: sum(local_progress) / sum(remote_sequence_nr).
func RenderProgress(snap metrics.Snapshot, width int) string {
	if len(snap.Links) == 0 {
		return "  No links tracked"
	}

	var localSum, remoteSum uint64
	for _, lp := range snap.Links {
		localSum += lp.LocalProgress
		remoteSum += lp.RemoteSequenceNr
	}

	var pct float64
	if remoteSum > 0 {
		pct = float64(localSum) / float64(remoteSum) * 100
	} else {
		pct = 100
	}

	barWidth := width - 40
	if barWidth < 10 {
		barWidth = 10
	}

	filled := int(float64(barWidth) * pct / 100)
	if filled > barWidth {
		filled = barWidth
	}
	empty := barWidth - filled

	fullChars := strings.Repeat("█", filled)
	emptyChars := strings.Repeat("░", empty)

	coloredFull := lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Render(fullChars)
	coloredEmpty := lipgloss.NewStyle().Foreground(lipgloss.Color("#374151")).Render(emptyChars)

	return fmt.Sprintf("  Overall: %s%s %5.1f%% (%d/%d events, %d links)",
		coloredFull, coloredEmpty, pct, localSum, remoteSum, len(snap.Links))
}
