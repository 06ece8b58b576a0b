package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cadence is how often a widget refreshes: a fixed interval, a cron
// expression, or neither (manual only).
type Cadence struct {
	Every time.Duration
	Cron  cron.Schedule
	// Spec is the normalized source string, for display.
	Spec string
}

// Manual reports whether the cadence never fires on its own.
func (c Cadence) Manual() bool { return c.Cron == nil && c.Every <= 0 }

func (c Cadence) String() string {
	if c.Manual() {
		return "manual"
	}
	return c.Spec
}

// Every returns a fixed-interval cadence; d <= 0 is manual.
func Every(d time.Duration) Cadence {
	if d <= 0 {
		return Cadence{}
	}
	return Cadence{Every: d, Spec: d.String()}
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseCadence parses a refresh cadence.
//
// Supported forms:
//   - "" / "0" / "manual": never auto-fires
//   - interval duration: "30s", "2h30m"
//   - interval HH:MM: "00:50" (50 minutes)
//   - cron: "*/5 * * * *", "@hourly", "@every 55m"
//
// "cron:" forces cron parsing; "interval:" or "every:" forces interval parsing.
func ParseCadence(raw string) (Cadence, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	switch low {
	case "", "0", "manual":
		return Cadence{}, nil
	}

	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, err := parseInterval(strings.TrimSpace(s[len(p):]))
			if err != nil {
				return Cadence{}, err
			}
			return Every(d), nil
		}
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	d, err := parseInterval(s)
	if err != nil {
		return Cadence{}, fmt.Errorf(
			"invalid cadence %q (use a duration like '30s', HH:MM like '00:05', or cron like 'cron:*/5 * * * *')",
			raw,
		)
	}
	return Every(d), nil
}

func parseCron(expr string) (Cadence, error) {
	if expr == "" {
		return Cadence{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Cadence{Cron: sched, Spec: "cron:" + expr}, nil
}

func parseInterval(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		var hh int
		for i := 0; i < len(m[1]); i++ {
			hh = hh*10 + int(m[1][i]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("interval must be >= 0")
	}
	return d, nil
}

// next returns the due time after from, stretched by the backoff multiplier.
// Intervals multiply; cron cadences skip mult-1 extra ticks.
func (c Cadence) next(from time.Time, mult int, loc *time.Location) time.Time {
	if mult < 1 {
		mult = 1
	}
	if c.Cron != nil {
		if loc != nil {
			from = from.In(loc)
		}
		t := from
		for i := 0; i < mult; i++ {
			t = c.Cron.Next(t)
		}
		return t
	}
	if mult > 1 && c.Every > maxBackoffDelay/time.Duration(mult) {
		return from.Add(max(c.Every, maxBackoffDelay))
	}
	return from.Add(c.Every * time.Duration(mult))
}
