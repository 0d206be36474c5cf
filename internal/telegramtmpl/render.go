// Package telegramtmpl renders the periodic supervisor digest sent to the
// operator chat.
package telegramtmpl

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/GoPolymarket/trade-supervisor/internal/snapshot"
)

// DigestData describes everything a digest message shows.
type DigestData struct {
	Window            string
	WorkerState       string
	PolicyMode        string
	Halted            bool
	HaltReason        string
	Heartbeats        int
	OrdersAllowed     int
	OrdersDenied      int
	TopDenials        []string
	RiskBreaches      int
	ProcessRestarts   int
	ProcessCrashes    int
	ModeratorFailures int
	Anomalies         int
	Hints             []string
}

// StatusView is the live state merged into a digest.
type StatusView struct {
	WorkerState string
	PolicyMode  string
	Halted      bool
	HaltReason  string
}

// BuildDigestData normalizes a snapshot and the live status into a renderable
// payload.
func BuildDigestData(snap snapshot.Snapshot, st StatusView) DigestData {
	agg := snap.Aggregates
	window := snap.GeneratedAt.Sub(snap.WindowStart).Round(time.Minute)
	return DigestData{
		Window:            window.String(),
		WorkerState:       strings.ToUpper(strings.TrimSpace(st.WorkerState)),
		PolicyMode:        strings.ToUpper(strings.TrimSpace(st.PolicyMode)),
		Halted:            st.Halted,
		HaltReason:        st.HaltReason,
		Heartbeats:        agg.Heartbeats,
		OrdersAllowed:     agg.OrdersAllowed,
		OrdersDenied:      agg.OrdersDenied,
		TopDenials:        topCodes(agg.DenialCodes, 3),
		RiskBreaches:      agg.RiskBreaches,
		ProcessRestarts:   agg.ProcessRestarts,
		ProcessCrashes:    agg.ProcessCrashes,
		ModeratorFailures: agg.ModeratorFailures,
		Anomalies:         agg.Anomalies,
		Hints: BuildHints(HintInput{
			Halted:            st.Halted,
			HaltReason:        st.HaltReason,
			PolicyMode:        st.PolicyMode,
			Heartbeats:        agg.Heartbeats,
			OrdersAllowed:     agg.OrdersAllowed,
			OrdersDenied:      agg.OrdersDenied,
			ProcessRestarts:   agg.ProcessRestarts,
			ModeratorFailures: agg.ModeratorFailures,
			Anomalies:         agg.Anomalies,
		}),
	}
}

// topCodes returns up to n "CODE xN" entries, most frequent first.
func topCodes(counts map[string]int, n int) []string {
	codes := make([]string, 0, len(counts))
	for c := range counts {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool {
		if counts[codes[i]] != counts[codes[j]] {
			return counts[codes[i]] > counts[codes[j]]
		}
		return codes[i] < codes[j]
	})
	if len(codes) > n {
		codes = codes[:n]
	}
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = fmt.Sprintf("%s x%d", c, counts[c])
	}
	return out
}

// RenderDigestHTML renders the digest in Telegram HTML parse mode.
func RenderDigestHTML(d DigestData) string {
	var b strings.Builder
	b.WriteString("<b>Supervisor Digest</b>\n")
	b.WriteString(fmt.Sprintf("Window: %s\nWorker: %s\nPolicy: %s\n",
		html.EscapeString(d.Window), html.EscapeString(d.WorkerState), html.EscapeString(d.PolicyMode)))
	if d.Halted {
		b.WriteString(fmt.Sprintf("Risk: HALTED (<code>%s</code>)\n", html.EscapeString(d.HaltReason)))
	} else {
		b.WriteString("Risk: ok\n")
	}
	b.WriteString(fmt.Sprintf("Heartbeats: %d\nOrders: %d allowed / %d denied\n", d.Heartbeats, d.OrdersAllowed, d.OrdersDenied))
	if len(d.TopDenials) > 0 {
		b.WriteString("Top denials: " + html.EscapeString(strings.Join(d.TopDenials, ", ")) + "\n")
	}
	b.WriteString(fmt.Sprintf("Breaches: %d  Restarts: %d  Crashes: %d\n", d.RiskBreaches, d.ProcessRestarts, d.ProcessCrashes))
	if d.ModeratorFailures > 0 || d.Anomalies > 0 {
		b.WriteString(fmt.Sprintf("Moderator failures: %d  Anomalies: %d\n", d.ModeratorFailures, d.Anomalies))
	}
	if len(d.Hints) > 0 {
		b.WriteString("\n<b>Attention</b>\n")
		for _, h := range d.Hints {
			b.WriteString("- " + html.EscapeString(h) + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}
