package insight

import (
	"context"
	"fmt"
	"math"
	"time"
)

const day = 24 * time.Hour

// PainTrend fits a least-squares line through pain scores of the last 30
// days and reports its slope per day.
type PainTrend struct{}

func (PainTrend) Type() string { return "pain-trend" }

func (PainTrend) Generate(_ context.Context, d Dataset) (*Insight, error) {
	var xs, ys []float64
	for _, e := range d.Since(d.Now.Add(-30 * day)) {
		if e.Pain == nil {
			continue
		}
		xs = append(xs, e.At.Sub(d.Now).Hours()/24)
		ys = append(ys, *e.Pain)
	}
	if len(xs) < 3 {
		return nil, nil
	}
	slope, ok := leastSquares(xs, ys)
	if !ok {
		// every entry on the same instant
		return nil, nil
	}

	ins := &Insight{SourceCount: len(xs), Confidence: min(30+len(xs)*5, 95)}
	switch {
	case slope <= -0.05:
		ins.Summary = fmt.Sprintf("Pain is trending down by %.2f points per day over %d entries.", -slope, len(xs))
		ins.Recommendations = []string{"Keep note of what changed recently; it may be helping."}
	case slope >= 0.05:
		ins.Summary = fmt.Sprintf("Pain is trending up by %.2f points per day over %d entries.", slope, len(xs))
		ins.Recommendations = []string{
			"Consider sharing this trend with your care team.",
			"Look for new triggers such as sleep, activity or medication changes.",
		}
	default:
		ins.Summary = fmt.Sprintf("Pain has been stable over %d entries.", len(xs))
	}
	return ins, nil
}

func leastSquares(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if math.Abs(den) < 1e-9 {
		return 0, false
	}
	return (n*sxy - sx*sy) / den, true
}

// MoodAverage compares the mean mood of the last 7 days with the 7 before.
type MoodAverage struct{}

func (MoodAverage) Type() string { return "mood-average" }

func (MoodAverage) Generate(_ context.Context, d Dataset) (*Insight, error) {
	var cur, prev []float64
	for _, e := range d.Since(d.Now.Add(-14 * day)) {
		if e.Mood == nil {
			continue
		}
		if e.At.After(d.Now.Add(-7 * day)) {
			cur = append(cur, *e.Mood)
		} else {
			prev = append(prev, *e.Mood)
		}
	}
	if len(cur) == 0 {
		return nil, nil
	}

	avg := mean(cur)
	ins := &Insight{
		SourceCount: len(cur) + len(prev),
		Confidence:  min(20+len(cur)*10, 90),
		Summary:     fmt.Sprintf("Average mood over the last 7 days is %.1f.", avg),
	}
	if len(prev) > 0 {
		delta := avg - mean(prev)
		switch {
		case delta >= 0.5:
			ins.Summary += fmt.Sprintf(" That is %.1f higher than the week before.", delta)
		case delta <= -0.5:
			ins.Summary += fmt.Sprintf(" That is %.1f lower than the week before.", -delta)
			ins.Recommendations = []string{"A lower mood week can be worth mentioning at your next appointment."}
		}
	}
	return ins, nil
}

func mean(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

// LoggingConsistency counts the days in the last 14 with at least one
// entry.
type LoggingConsistency struct{}

func (LoggingConsistency) Type() string { return "logging-consistency" }

func (LoggingConsistency) Generate(_ context.Context, d Dataset) (*Insight, error) {
	entries := d.Since(d.Now.Add(-14 * day))
	days := make(map[string]struct{})
	for _, e := range entries {
		days[e.At.Format(time.DateOnly)] = struct{}{}
	}

	ins := &Insight{
		SourceCount: len(entries),
		Confidence:  100,
		Summary:     fmt.Sprintf("You logged on %d of the last 14 days.", len(days)),
	}
	if len(days) < 7 {
		ins.Recommendations = []string{"Try logging at the same time each day; regular entries make trends more reliable."}
	}
	return ins, nil
}
