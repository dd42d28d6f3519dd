package assembler

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/memory"
	"github.com/yairfalse/vigil/patterns"
	"github.com/yairfalse/vigil/types"
)

// TruncationMarker ends text cut by Truncate
const TruncationMarker = "[truncated]"

// FormatResourceContext renders a resource context as prompt-ready text
func FormatResourceContext(rc *ResourceContext, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Resource %s\n", rc.ResourceID)
	if rc.Degraded {
		fmt.Fprintf(&b, "(partial context: %s unavailable)\n", strings.Join(rc.Unavailable, ", "))
	}

	writeTrends(&b, rc.Trends, false)
	writeAnomalies(&b, rc.Anomalies)
	writePredictions(&b, rc.Predictions, false)
	writeChanges(&b, rc.Changes, now)
	writeRemediations(&b, rc.Remediations, now)

	if rc.Notes.Available() {
		b.WriteString("\n### Findings and notes\n")
		for _, f := range rc.Notes.Findings {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Severity, f.Title)
			if f.Detail != "" {
				fmt.Fprintf(&b, "  %s\n", f.Detail)
			}
		}
		for _, n := range rc.Notes.Notes {
			fmt.Fprintf(&b, "- note: %s (%s, %s)\n", n.Text, n.Author, memory.FormatAge(now.Sub(n.CreatedAt)))
		}
	} else if rc.Notes.Unavailable() {
		writeNoSignal(&b, SectionNotes)
	}
	return b.String()
}

// FormatInfrastructureContext renders the fleet-wide view
func FormatInfrastructureContext(ic *InfrastructureContext, now time.Time) string {
	var b strings.Builder
	b.WriteString("## Infrastructure\n")
	b.WriteString(FormatCompactSummary(ic))
	b.WriteString("\n")

	writeTrends(&b, ic.Trends, true)
	writeAnomalies(&b, ic.Anomalies)
	writePredictions(&b, ic.Predictions, true)
	writeChanges(&b, ic.Changes, now)
	writeRemediations(&b, ic.Remediations, now)
	return b.String()
}

// FormatCompactSummary is a one-line health summary for degraded callers
func FormatCompactSummary(ic *InfrastructureContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d resources", ic.Resources)
	if ic.Anomalies.Unavailable() {
		b.WriteString(", health unknown")
	} else {
		fmt.Fprintf(&b, ": %d healthy, %d warning, %d critical", ic.Anomalies.Healthy, ic.Anomalies.Warning, ic.Anomalies.Critical)
	}
	b.WriteString(".")
	if len(ic.Predictions.Predictions) > 0 {
		p := ic.Predictions.Predictions[0]
		fmt.Fprintf(&b, " Next predicted: %s on %s %s.", p.Kind, p.ResourceID, when(p))
	}
	if len(ic.Trends.Forecasts) > 0 {
		f := ic.Trends.Forecasts[0]
		fmt.Fprintf(&b, " Nearest capacity limit: %s %s %s.", f.ResourceID, metricLabel(f.Metric), forecastWhen(f))
	}
	if ic.Degraded {
		b.WriteString(" (partial data)")
	}
	return b.String()
}

// Truncate cuts text to at most max bytes on a line boundary and appends
// TruncationMarker. Without a line boundary in budget it cuts at a rune
// boundary. Text that fits is returned unchanged.
func Truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	budget := max - len(TruncationMarker) - 1
	if budget <= 0 {
		return TruncationMarker[:min(max, len(TruncationMarker))]
	}
	for budget > 0 && !utf8.RuneStart(text[budget]) {
		budget--
	}
	cut := text[:budget]
	if i := strings.LastIndexByte(cut, '\n'); i >= 0 {
		cut = cut[:i]
	}
	return cut + "\n" + TruncationMarker
}

// FormatTrend renders "CPU: rising 8.4/day (20-90)"
func FormatTrend(metric string, t analyzer.Trend) string {
	word := map[analyzer.TrendDirection]string{
		analyzer.TrendGrowing:   "rising",
		analyzer.TrendDeclining: "falling",
		analyzer.TrendStable:    "stable",
		analyzer.TrendVolatile:  "volatile",
	}[t.Direction]

	line := metricLabel(metric) + ": " + word
	if t.Direction == analyzer.TrendGrowing || t.Direction == analyzer.TrendDeclining {
		line += " " + formatRate(t.RatePerDay) + "/day"
	}
	return line + fmt.Sprintf(" (%.0f-%.0f)", t.Min, t.Max)
}

// FormatPrediction renders "high_memory in ~7 days, 85% confidence"
func FormatPrediction(p patterns.Prediction) string {
	return fmt.Sprintf("%s %s, %.0f%% confidence", p.Kind, when(p), p.Confidence*100)
}

// FormatForecast renders "CPU reaches 100 in ~1.2 days"
func FormatForecast(f analyzer.CapacityForecast) string {
	return fmt.Sprintf("%s %s", metricLabel(f.Metric), forecastWhen(f))
}

func forecastWhen(f analyzer.CapacityForecast) string {
	if f.AtLimit {
		return fmt.Sprintf("at limit (%s)", trimNumber(f.Limit))
	}
	return fmt.Sprintf("reaches %s in ~%s days", trimNumber(f.Limit), formatRate(f.DaysLeft))
}

func when(p patterns.Prediction) string {
	if p.Overdue {
		return "overdue by ~" + approx(-p.Until)
	}
	return "in ~" + approx(p.Until)
}

// approx renders a duration as whole days, or whole hours below a day
func approx(d time.Duration) string {
	if d >= 24*time.Hour {
		days := int(math.Round(d.Hours() / 24))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	hours := int(math.Round(d.Hours()))
	if hours <= 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}

// formatRate prints magnitudes with one decimal, or none when large
func formatRate(v float64) string {
	v = math.Abs(v)
	if v >= 100 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.1f", v)
}

func trimNumber(v float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", v), ".0")
}

func metricLabel(metric string) string {
	switch metric {
	case types.MetricCPU:
		return "CPU"
	case "":
		return ""
	}
	r, size := utf8.DecodeRuneInString(metric)
	return string(unicode.ToUpper(r)) + metric[size:]
}

func writeNoSignal(b *strings.Builder, section string) {
	fmt.Fprintf(b, "\nNo historical signal available for %s.\n", section)
}

func writeTrends(b *strings.Builder, sec TrendSection, withResource bool) {
	if !sec.Available() {
		writeNoSignal(b, SectionTrends)
		return
	}
	if len(sec.Trends) > 0 {
		b.WriteString("\n### Trends\n")
		for _, t := range sec.Trends {
			b.WriteString("- ")
			if withResource {
				b.WriteString(t.ResourceID + " ")
			}
			b.WriteString(FormatTrend(t.Metric, t.Trend) + "\n")
		}
	}
	if len(sec.Forecasts) > 0 {
		b.WriteString("\n### Capacity\n")
		for _, f := range sec.Forecasts {
			b.WriteString("- ")
			if withResource {
				b.WriteString(f.ResourceID + " ")
			}
			b.WriteString(FormatForecast(f) + "\n")
		}
	}
}

func writeAnomalies(b *strings.Builder, sec AnomalySection) {
	if !sec.Available() {
		writeNoSignal(b, SectionAnomalies)
		return
	}
	b.WriteString("\n### Anomalies\n")
	if len(sec.Anomalies) == 0 {
		b.WriteString("- all metrics within normal range\n")
		return
	}
	for _, an := range sec.Anomalies {
		fmt.Fprintf(b, "- [%s] %s: %s\n", an.Severity, an.ResourceID, an.Description)
	}
}

func writePredictions(b *strings.Builder, sec PredictionSection, withResource bool) {
	if !sec.Available() {
		writeNoSignal(b, SectionPredictions)
		return
	}
	b.WriteString("\n### Predicted events\n")
	for _, p := range sec.Predictions {
		b.WriteString("- ")
		if withResource {
			b.WriteString(p.ResourceID + " ")
		}
		b.WriteString(FormatPrediction(p) + "\n")
	}
}

func writeChanges(b *strings.Builder, sec ChangeSection, now time.Time) {
	if sec.Unavailable() {
		writeNoSignal(b, SectionChanges)
		return
	}
	if !sec.Available() {
		return
	}
	b.WriteString("\n### Recent changes\n")
	for _, c := range sec.Changes {
		fmt.Fprintf(b, "- %s (%s)\n", c.Description, memory.FormatAge(now.Sub(c.DetectedAt)))
	}
}

func writeRemediations(b *strings.Builder, sec RemediationSection, now time.Time) {
	if sec.Unavailable() {
		writeNoSignal(b, SectionRemediations)
		return
	}
	if !sec.Available() {
		return
	}
	b.WriteString("\n### Past remediations\n")
	for _, r := range sec.Records {
		mode := "manual"
		if r.Automatic {
			mode = "automatic"
		}
		fmt.Fprintf(b, "- %s: %s → %s (%s, %s)\n", memory.FormatAge(now.Sub(r.Timestamp)), r.Problem, r.Action, r.Outcome, mode)
		if r.Note != "" {
			fmt.Fprintf(b, "  Note: %s\n", r.Note)
		}
	}
}
