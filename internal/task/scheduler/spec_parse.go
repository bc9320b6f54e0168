package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is either a cron expression or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a validated schedule. Accepted spellings:
//
//	*/5 * * * *    cron, optional seconds field, @hourly style descriptors
//	55m, 2h30m     Go duration interval
//	02:30          HH:MM interval (2h30m)
//	cron:EXPR      force cron
//	every:D        force interval (alias interval:)
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// cronParser accepts 5- and 6-field specs plus descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var errNonPositive = errors.New("interval must be > 0")

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		return parseCron(rest)
	}
	for _, p := range []string{"every:", "interval:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return parseInterval(rest)
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return parseCron(s)
	}
	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (want cron like '*/5 * * * *', HH:MM like '02:30' or a duration like '55m')", raw)
	}
	return ps, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, errors.New("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	var (
		d   time.Duration
		err error
	)
	if h, m, ok := strings.Cut(v, ":"); ok {
		d, err = hhmm(h, m)
	} else {
		d, err = time.ParseDuration(v)
	}
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("interval %q: %w", v, err)
	}
	if d <= 0 {
		return ParsedSpec{}, errNonPositive
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

func hhmm(h, m string) (time.Duration, error) {
	hours, err := strconv.Atoi(h)
	if err != nil || hours < 0 || len(h) > 3 {
		return 0, errors.New("bad hours")
	}
	mins, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 || mins > 59 || mins < 0 {
		return 0, errors.New("bad minutes")
	}
	return time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute, nil
}

// CronSpec renders the schedule for robfig/cron.
func (p ParsedSpec) CronSpec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}
