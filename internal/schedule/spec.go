package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a schedule expression.
//
// We intentionally keep this small: a fixed interval, a one-shot firing
// time, or a standard 5-field crontab expression.
type Kind int

const (
	KindInterval Kind = iota
	KindOnce
	KindCron
)

// Spec is a parsed schedule expression.
//
// Supported forms:
//   - Descriptors: "@hourly" (60m), "@daily" (1440m), "@weekly" (10080m)
//   - Interval: "*/N" where N is a positive number of minutes
//   - One-shot relative: "once:+Nm" (N minutes from evaluation time)
//   - One-shot absolute: "once:<RFC 3339 or local datetime>"
//   - Crontab: any 5-field expression, e.g. "0 9 * * 1-5"
type Spec struct {
	Kind Kind

	// Every is the fixed period for KindInterval.
	Every time.Duration

	// Relative one-shots fire Offset after the evaluation instant;
	// absolute ones fire at At.
	Relative bool
	Offset   time.Duration
	At       time.Time

	// Cron is the compiled crontab schedule for KindCron.
	Cron cron.Schedule
}

// Absolute one-shot layouts, tried in order. Layouts without an offset are
// interpreted in local time.
var onceLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Parse parses a schedule expression into a Spec.
func Parse(expr string) (Spec, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch low {
	case "@hourly":
		return Spec{Kind: KindInterval, Every: 60 * time.Minute}, nil
	case "@daily":
		return Spec{Kind: KindInterval, Every: 1440 * time.Minute}, nil
	case "@weekly":
		return Spec{Kind: KindInterval, Every: 10080 * time.Minute}, nil
	}

	// Only the prefix is case-insensitive: datetime layouts are
	// case-sensitive, so the remainder keeps its original casing.
	if strings.HasPrefix(low, "once:") {
		return parseOnce(strings.TrimSpace(s[len("once:"):]))
	}

	// "*/N" with no further fields is a minute interval. With more fields it
	// is an ordinary crontab expression and falls through to the cron parser.
	if strings.HasPrefix(low, "*/") && !strings.ContainsAny(s, " \t") {
		n, err := strconv.Atoi(low[2:])
		if err != nil || n <= 0 {
			return Spec{}, invalidErr(expr)
		}
		return Spec{Kind: KindInterval, Every: time.Duration(n) * time.Minute}, nil
	}

	if strings.ContainsAny(s, " \t") {
		sched, err := cronParser.Parse(s)
		if err != nil {
			return Spec{}, invalidErr(expr)
		}
		return Spec{Kind: KindCron, Cron: sched}, nil
	}

	return Spec{}, invalidErr(expr)
}

func parseOnce(v string) (Spec, error) {
	if v == "" {
		return Spec{}, invalidErr("once:")
	}
	if strings.HasPrefix(v, "+") && strings.HasSuffix(v, "m") {
		n, err := strconv.Atoi(v[1 : len(v)-1])
		if err != nil || n < 0 {
			return Spec{}, invalidErr("once:" + v)
		}
		return Spec{Kind: KindOnce, Relative: true, Offset: time.Duration(n) * time.Minute}, nil
	}
	for _, layout := range onceLayouts {
		if at, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return Spec{Kind: KindOnce, At: at}, nil
		}
	}
	return Spec{}, invalidErr("once:" + v)
}

func invalidErr(expr string) error {
	return fmt.Errorf(
		"invalid schedule %q (use @hourly, @daily, @weekly, */N, once:+Nm, once:DATETIME, or a 5-field cron expression)",
		expr,
	)
}

// NextRun computes the next firing instant relative to from.
//
// Intervals always recur from the given instant, regardless of afterRun.
// One-shots are exhausted once run: with afterRun they report no next
// firing. Crontab schedules recur per the compiled expression.
func NextRun(spec Spec, from time.Time, afterRun bool) (time.Time, bool) {
	switch spec.Kind {
	case KindInterval:
		return from.Add(spec.Every), true
	case KindOnce:
		if afterRun {
			return time.Time{}, false
		}
		if spec.Relative {
			return from.Add(spec.Offset), true
		}
		return spec.At, true
	case KindCron:
		if spec.Cron == nil {
			return time.Time{}, false
		}
		return spec.Cron.Next(from), true
	default:
		return time.Time{}, false
	}
}
