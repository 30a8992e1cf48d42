package domain

import (
	"errors"
	"testing"
	"time"
)

func TestFormatRunCode(t *testing.T) {
	day := time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)
	code, err := FormatRunCode(day, "ABCD", 7)
	if err != nil {
		t.Fatalf("FormatRunCode() err=%v", err)
	}
	if code != "RUN-20260109-ABCD-0007" {
		t.Fatalf("code=%q", code)
	}
	if !ValidRunCode(code) {
		t.Fatalf("ValidRunCode(%q)=false", code)
	}

	if _, err := FormatRunCode(day, "ABCD", MaxRunCodeSequence+1); !errors.Is(err, ErrRunCodeSequenceExhausted) {
		t.Fatalf("err=%v, want run_code_sequence_exhausted", err)
	}
	if _, err := FormatRunCode(day, "abcd", 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("lower-case site: err=%v", err)
	}
}

func TestValidRunCode(t *testing.T) {
	cases := map[string]bool{
		"RUN-20260109-ABCD-0001":  true,
		"RUN-20260109-ABCD-9999":  true,
		"RUN-20260109-ABC1-0001":  false,
		"RUN-2026019-ABCD-0001":   false,
		"RUN-20260109-ABCD-00001": false,
		"run-20260109-ABCD-0001":  false,
		" RUN-20260109-ABCD-0001": false,
	}
	for code, want := range cases {
		if got := ValidRunCode(code); got != want {
			t.Fatalf("ValidRunCode(%q)=%v, want %v", code, got, want)
		}
	}
}

func TestParseRunCode(t *testing.T) {
	parts, err := ParseRunCode("RUN-20260109-ABCD-0042")
	if err != nil {
		t.Fatalf("ParseRunCode() err=%v", err)
	}
	if parts.Day != "20260109" || parts.SiteCode != "ABCD" || parts.Sequence != 42 {
		t.Fatalf("parts=%+v", parts)
	}
	if _, err := ParseRunCode("RUN-20261399-ABCD-0001"); err == nil {
		t.Fatalf("expected error for impossible date")
	}
}

func TestNormalizeSiteCode(t *testing.T) {
	if site, err := NormalizeSiteCode(" main "); err != nil || site != "MAIN" {
		t.Fatalf("NormalizeSiteCode()=%q err=%v", site, err)
	}
	for _, bad := range []string{"", "MAI", "MAINS", "M4IN"} {
		if _, err := NormalizeSiteCode(bad); err == nil {
			t.Fatalf("NormalizeSiteCode(%q) expected error", bad)
		}
	}
}

func TestCalendarDay(t *testing.T) {
	loc := time.FixedZone("plant", 9*3600)
	// 20:30 UTC on Jan 9 is already Jan 10 at the plant.
	day := CalendarDay(time.Date(2026, 1, 9, 20, 30, 0, 0, time.UTC), loc)
	if got := RunCodePrefix(day, "MAIN"); got != "RUN-20260110-MAIN-" {
		t.Fatalf("prefix=%q", got)
	}
}
