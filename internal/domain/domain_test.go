package domain

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
		wantErr  bool
	}{
		{"plain digits", "27800000001", "27800000001", false},
		{"plus prefix", "+27800000001", "27800000001", false},
		{"whatsapp channel", "whatsapp:+27800000001", "27800000001", false},
		{"mixed case channel", "WhatsApp:+27800000001", "27800000001", false},
		{"separators", " +27 (80) 000-0001 ", "27800000001", false},
		{"tel channel", "tel:0800000001", "0800000001", false},
		{"empty", "", "", true},
		{"too short", "12345", "", true},
		{"too long", "1234567890123456", "", true},
		{"letters", "27abc000001", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalPhone(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPhoneNumber) {
					t.Fatalf("expected ErrInvalidPhoneNumber, got %q (err %v)", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw      string
		expected int64
		wantErr  bool
	}{
		{"150", 15000, false},
		{"150.50", 15050, false},
		{"R150.50", 15050, false},
		{" 1,250.00 ", 125000, false},
		{"0", 0, false},
		{"-5", 0, true},
		{"ten", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseAmount(tt.raw)
			if tt.wantErr {
				if KindOf(err) != KindValidation {
					t.Fatalf("expected a validation error, got %d (err %v)", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got != tt.expected {
				t.Fatalf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestFormatRand(t *testing.T) {
	for minor, expected := range map[int64]string{0: "R0.00", 5: "R0.05", 15050: "R150.50", 125000: "R1250.00"} {
		if got := FormatRand(minor); got != expected {
			t.Fatalf("FormatRand(%d): expected %q, got %q", minor, expected, got)
		}
	}
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		raw      string
		expected Period
	}{
		{"Months", PeriodMonths},
		{" w ", PeriodWeeks},
		{"days", PeriodDays},
		{"Year", PeriodYears},
		{"30s", Period30Seconds},
		{"2 Minutes", Period2Minutes},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParsePeriod(tt.raw)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, got)
			}
		})
	}

	if _, err := ParsePeriod("fortnights"); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
	if Period("Fortnights").Valid() {
		t.Fatal("expected an unknown period to be invalid")
	}
}

func TestPeriodWireEncoding(t *testing.T) {
	tests := []struct {
		period       Period
		code         string
		length       string
		halvedCode   string
		halvedLength string
	}{
		{PeriodDays, "D", "1", "H", "T12"},
		{PeriodWeeks, "W", "1", "D", "3"},
		{PeriodMonths, "M", "1", "W", "2"},
		{PeriodYears, "Y", "1", "M", "6"},
		{Period30Seconds, "S", "T30", "S", "T15"},
		{Period2Minutes, "M", "T2", "M", "T1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			if got := tt.period.Code(); got != tt.code {
				t.Fatalf("expected code %q, got %q", tt.code, got)
			}
			if got := tt.period.LengthBetween(); got != tt.length {
				t.Fatalf("expected length %q, got %q", tt.length, got)
			}
			code, length := tt.period.Halved()
			if code != tt.halvedCode || length != tt.halvedLength {
				t.Fatalf("expected halved %s/%s, got %s/%s", tt.halvedCode, tt.halvedLength, code, length)
			}
		})
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPeriodAdvance(t *testing.T) {
	t.Run("months clamp without drifting from the anchor", func(t *testing.T) {
		anchor := date(2025, time.January, 31)
		expected := []time.Time{
			date(2025, time.February, 28),
			date(2025, time.March, 31),
			date(2025, time.April, 30),
			date(2025, time.May, 31),
		}
		current := anchor
		for i, want := range expected {
			current = PeriodMonths.Advance(anchor, current)
			if !current.Equal(want) {
				t.Fatalf("advance %d: expected %s, got %s", i+1, want, current)
			}
		}
	})

	t.Run("years", func(t *testing.T) {
		anchor := date(2024, time.February, 29)
		next := PeriodYears.Advance(anchor, anchor)
		if want := date(2025, time.February, 28); !next.Equal(want) {
			t.Fatalf("expected %s, got %s", want, next)
		}
	})

	t.Run("fixed steps", func(t *testing.T) {
		start := date(2025, time.March, 1)
		if got := PeriodWeeks.Advance(start, start); !got.Equal(date(2025, time.March, 8)) {
			t.Fatalf("expected one week later, got %s", got)
		}
		if got := Period30Seconds.Advance(start, start); got.Sub(start) != 30*time.Second {
			t.Fatalf("expected 30s later, got %s", got)
		}
	})
}

func TestCountPeriods(t *testing.T) {
	tests := []struct {
		name     string
		period   Period
		start    time.Time
		end      time.Time
		expected int
	}{
		{"months", PeriodMonths, date(2025, time.January, 1), date(2025, time.June, 1), 5},
		{"partial month", PeriodMonths, date(2025, time.January, 15), date(2025, time.June, 1), 4},
		{"days", PeriodDays, date(2025, time.January, 1), date(2025, time.January, 11), 10},
		{"weeks", PeriodWeeks, date(2025, time.January, 1), date(2025, time.February, 1), 4},
		{"years", PeriodYears, date(2025, time.January, 1), date(2027, time.June, 1), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CountPeriods(tt.period, tt.start, tt.end)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got != tt.expected {
				t.Fatalf("expected %d, got %d", tt.expected, got)
			}
		})
	}

	if _, err := CountPeriods(PeriodMonths, date(2025, time.June, 1), date(2025, time.June, 1)); !errors.Is(err, ErrInvalidDates) {
		t.Fatalf("expected ErrInvalidDates, got %v", err)
	}
	if _, err := CountPeriods(Period("Fortnights"), date(2025, time.June, 1), date(2025, time.July, 1)); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
}

func TestParseDate(t *testing.T) {
	got, err := ParseDate("2025-02-01")
	if err != nil || !got.Equal(date(2025, time.February, 1)) {
		t.Fatalf("expected 2025-02-01T00:00:00Z, got %s (err %v)", got, err)
	}

	got, err = ParseDate("2025-02-01T10:00:00+02:00")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if want := time.Date(2025, time.February, 1, 8, 0, 0, 0, time.UTC); !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("expected %s in UTC, got %s", want, got)
	}

	if _, err := ParseDate("01/02/2025"); KindOf(err) != KindValidation {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestMonthStart(t *testing.T) {
	got := MonthStart(time.Date(2025, time.March, 17, 13, 4, 5, 0, time.FixedZone("SAST", 2*60*60)))
	if want := date(2025, time.March, 1); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("approve: %w", ErrStokvelFull.Wrap("approve application", io.EOF))

	if KindOf(wrapped) != KindCapacityExceeded {
		t.Fatalf("expected capacity_exceeded, got %q", KindOf(wrapped))
	}
	if !errors.Is(wrapped, ErrStokvelFull) {
		t.Fatal("expected a wrapped copy to match its sentinel")
	}
	if !errors.Is(wrapped, io.EOF) {
		t.Fatal("expected the cause to stay reachable")
	}
	if errors.Is(wrapped, ErrCapacityBelowMembers) {
		t.Fatal("expected sentinels of the same kind with different messages not to match")
	}
	if msg, ok := UserMessage(wrapped); !ok || msg != ErrStokvelFull.Msg {
		t.Fatalf("expected the sentinel message, got %q", msg)
	}

	if KindOf(errors.New("boom")) != "" {
		t.Fatal("expected no kind for a plain error")
	}
	if _, ok := UserMessage(errors.New("boom")); ok {
		t.Fatal("expected no user message for a plain error")
	}

	up := Upstream("process payment", io.ErrUnexpectedEOF)
	if KindOf(up) != KindUpstreamFailure || !errors.Is(up, io.ErrUnexpectedEOF) {
		t.Fatalf("unexpected upstream error %v", up)
	}
	if got := ErrNotAdmin.Wrap("rename", errors.New("boom")).Error(); got != "rename: "+ErrNotAdmin.Msg+": boom" {
		t.Fatalf("unexpected error text %q", got)
	}
}
