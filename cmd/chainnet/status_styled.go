package main

import (
	"fmt"
	"strings"
	"time"

	"chainnet/pkg/api"
	"chainnet/pkg/peerpool"
	"chainnet/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// level is how a value should be read at a glance
type level int

const (
	levelPlain level = iota
	levelGood
	levelWarn
	levelBad
)

var (
	edgeColor = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7D7AFF"}
	dimColor  = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}

	levelColors = map[level]lipgloss.AdaptiveColor{
		levelPlain: {Light: "#1A1A1A", Dark: "#EDEDED"},
		levelGood:  {Light: "#00875A", Dark: "#3DDC97"},
		levelWarn:  {Light: "#B25E00", Dark: "#F5B942"},
		levelBad:   {Light: "#C9184A", Dark: "#FF5C7A"},
	}

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder(), false, false, false, true).
			BorderForeground(edgeColor).
			PaddingLeft(2).
			MarginBottom(1)

	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(edgeColor).Underline(true)
	keyStyle     = lipgloss.NewStyle().Foreground(dimColor).Width(18)
	headStyle    = lipgloss.NewStyle().Bold(true).Foreground(edgeColor).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

func paint(l level, text string) string {
	style := lipgloss.NewStyle().Foreground(levelColors[l])
	if l != levelPlain {
		style = style.Bold(true)
	}
	return style.Render(text)
}

func box(title, body string) string {
	return boxStyle.Render(headingStyle.Render(title) + "\n\n" + body)
}

func styledOutputPool(snap peerpool.Snapshot, height int64, grpcStats peerpool.GRPCStats) {
	total, alive, dead, slow, suspect := snap.Counts()

	chainID := snap.NetworkChainID
	if chainID == "" {
		chainID = "unknown"
	}
	heightText := "unknown"
	if height > 0 {
		heightText = fmt.Sprintf("%d", height)
	}
	refreshed := "never"
	if !snap.LastOnChainRefreshAt.IsZero() {
		refreshed = formatAgo(snap.TakenAt.Sub(snap.LastOnChainRefreshAt))
	}

	rows := []struct {
		key   string
		value string
		level level
	}{
		{"network", chainID, levelGood},
		{"height", heightText, levelPlain},
		{"peers", fmt.Sprintf("%d", total), levelPlain},
		{"alive", fmt.Sprintf("%d", alive), aliveLevel(alive, total)},
		{"dead", fmt.Sprintf("%d", dead), countLevel(dead, levelBad)},
		{"slow", fmt.Sprintf("%d", slow), countLevel(slow, levelWarn)},
		{"suspect", fmt.Sprintf("%d", suspect), countLevel(suspect, levelWarn)},
		{"score", fmt.Sprintf("%.0f%%", api.Score(snap)), aliveLevel(alive, total)},
		{"grpc", grpcSummary(grpcStats), countLevel(grpcStats.CircuitOpen, levelWarn)},
		{"validators synced", refreshed, levelPlain},
	}

	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, keyStyle.Render(r.key)+paint(r.level, r.value))
	}
	fmt.Println(box("chainnet pool", strings.Join(lines, "\n")))
}

func grpcSummary(s peerpool.GRPCStats) string {
	if s.Connections == 0 {
		return "no connections"
	}
	return fmt.Sprintf("%d conns, %d healthy, %d open breakers", s.Connections, s.Healthy, s.CircuitOpen)
}

func styledOutputPeers(snap peerpool.Snapshot) {
	if len(snap.Peers) == 0 {
		fmt.Println(box("peers", lipgloss.NewStyle().Foreground(dimColor).Render("no peers known")))
		return
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headStyle
			}
			return cellStyle
		}).
		Headers("RPC", "SOURCE", "CHAIN", "HEIGHT", "LATENCY", "STATE", "LAST SEEN")

	for _, p := range snap.Peers {
		height := "-"
		if p.LastSeenHeight > 0 {
			height = fmt.Sprintf("%d", p.LastSeenHeight)
		}
		latency := "-"
		if ms := p.LatencyMs(); ms >= 0 {
			latency = fmt.Sprintf("%dms", ms)
		}
		lastSeen := "never"
		if !p.LastSeenAt.IsZero() {
			lastSeen = formatAgo(snap.TakenAt.Sub(p.LastSeenAt))
		}
		t.Row(p.RPC, string(p.Source), p.ChainID, height, latency, peerState(p.Flags), lastSeen)
	}

	fmt.Println(box(fmt.Sprintf("peers (%d)", len(snap.Peers)), t.Render()))
}

func peerState(f types.PeerFlags) string {
	switch {
	case f.Dead:
		return paint(levelBad, "DEAD")
	case f.Suspect:
		return paint(levelWarn, "SUSPECT")
	case f.Slow:
		return paint(levelWarn, "SLOW")
	case f.Alive:
		return paint(levelGood, "ALIVE")
	default:
		return paint(levelPlain, "STALE")
	}
}

func aliveLevel(alive, total int) level {
	switch {
	case total > 0 && alive == total:
		return levelGood
	case alive > 0:
		return levelWarn
	default:
		return levelBad
	}
}

func countLevel(n int, bad level) level {
	if n == 0 {
		return levelPlain
	}
	return bad
}

func formatAgo(elapsed time.Duration) string {
	switch {
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds ago", int(elapsed.Seconds()))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}
