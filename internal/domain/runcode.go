package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxRunCodeSequence is the largest per-day, per-site sequence a run code can carry.
const MaxRunCodeSequence = 9999

const runCodeDayLayout = "20060102"

var (
	runCodePattern  = regexp.MustCompile(`^RUN-(\d{8})-([A-Z]{4})-(\d{4})$`)
	siteCodePattern = regexp.MustCompile(`^[A-Z]{4}$`)
)

func NormalizeSiteCode(raw string) (string, error) {
	site := strings.ToUpper(strings.TrimSpace(raw))
	if !siteCodePattern.MatchString(site) {
		return "", Validation(fmt.Sprintf("site code %q must be four letters", raw))
	}
	return site, nil
}

// RunCodePrefix is the shared "RUN-YYYYMMDD-SITE-" part of all codes for one day and site.
// day is interpreted in its own location.
func RunCodePrefix(day time.Time, site string) string {
	return "RUN-" + day.Format(runCodeDayLayout) + "-" + site + "-"
}

func FormatRunCode(day time.Time, site string, seq int) (string, error) {
	if !siteCodePattern.MatchString(site) {
		return "", Validation(fmt.Sprintf("site code %q must be four letters", site))
	}
	if seq < 1 {
		return "", fmt.Errorf("run code sequence must be >= 1 (got %d)", seq)
	}
	if seq > MaxRunCodeSequence {
		return "", SequenceExhausted(RunCodePrefix(day, site))
	}
	return fmt.Sprintf("%s%04d", RunCodePrefix(day, site), seq), nil
}

func ValidRunCode(code string) bool {
	return runCodePattern.MatchString(code)
}

type RunCodeParts struct {
	Day      string
	SiteCode string
	Sequence int
}

func ParseRunCode(code string) (RunCodeParts, error) {
	m := runCodePattern.FindStringSubmatch(code)
	if m == nil {
		return RunCodeParts{}, fmt.Errorf("malformed run code %q", code)
	}
	if _, err := time.Parse(runCodeDayLayout, m[1]); err != nil {
		return RunCodeParts{}, fmt.Errorf("run code %q: bad date: %w", code, err)
	}
	seq, err := strconv.Atoi(m[3])
	if err != nil {
		return RunCodeParts{}, fmt.Errorf("run code %q: bad sequence: %w", code, err)
	}
	return RunCodeParts{Day: m[1], SiteCode: m[2], Sequence: seq}, nil
}

// CalendarDay truncates t to midnight in loc.
func CalendarDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
