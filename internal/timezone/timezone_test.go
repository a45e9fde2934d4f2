package timezone

import (
	"errors"
	"testing"
	"time"
)

func TestNineAMLocalToUTC(t *testing.T) {
	tests := []struct {
		name  string
		zone  string
		year  int
		month time.Month
		day   int
		want  string // RFC3339 UTC
	}{
		{
			name: "new york on EDT",
			zone: "America/New_York", year: 2025, month: time.March, day: 10,
			want: "2025-03-10T13:00:00Z",
		},
		{
			name: "new york on EST the day before the switch",
			zone: "America/New_York", year: 2025, month: time.March, day: 8,
			want: "2025-03-08T14:00:00Z",
		},
		{
			name: "new york on the spring forward day itself",
			zone: "America/New_York", year: 2025, month: time.March, day: 9,
			want: "2025-03-09T13:00:00Z",
		},
		{
			name: "half hour offset zone",
			zone: "Asia/Kathmandu", year: 2025, month: time.June, day: 15,
			want: "2025-06-15T03:15:00Z",
		},
		{
			name: "easternmost zone utc plus fourteen",
			zone: "Pacific/Kiritimati", year: 2025, month: time.March, day: 10,
			want: "2025-03-09T19:00:00Z",
		},
		{
			name: "far western zone utc minus eleven",
			zone: "Pacific/Pago_Pago", year: 2025, month: time.March, day: 10,
			want: "2025-03-10T20:00:00Z",
		},
		{
			name: "plain utc",
			zone: "UTC", year: 2025, month: time.July, day: 4,
			want: "2025-07-04T09:00:00Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NineAMLocalToUTC(tt.zone, tt.year, tt.month, tt.day)
			if err != nil {
				t.Fatalf("NineAMLocalToUTC: %v", err)
			}
			want, _ := time.Parse(time.RFC3339, tt.want)
			if !got.Equal(want) {
				t.Errorf("got %s, want %s", got.Format(time.RFC3339), tt.want)
			}
		})
	}
}

func TestLocalInstantSkippedTimeUsesGapEnd(t *testing.T) {
	// 02:30 does not exist in New York on 2025-03-09; clocks jump from
	// 02:00 EST straight to 03:00 EDT at 07:00 UTC.
	got, err := LocalInstant("America/New_York", 2025, time.March, 9, 2, 30)
	if err != nil {
		t.Fatalf("LocalInstant: %v", err)
	}
	want, _ := time.Parse(time.RFC3339, "2025-03-09T07:00:00Z")
	if !got.Equal(want) {
		t.Errorf("got %s, want gap end %s", got.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func TestLocalInstantAmbiguousTimePrefersEarlier(t *testing.T) {
	// 01:30 happens twice in New York on 2025-11-02: once in EDT
	// (05:30 UTC) and once in EST (06:30 UTC). The earlier wins.
	got, err := LocalInstant("America/New_York", 2025, time.November, 2, 1, 30)
	if err != nil {
		t.Fatalf("LocalInstant: %v", err)
	}
	want, _ := time.Parse(time.RFC3339, "2025-11-02T05:30:00Z")
	if !got.Equal(want) {
		t.Errorf("got %s, want earlier occurrence %s", got.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func TestLocalInstantSkippedCalendarDay(t *testing.T) {
	// Samoa skipped 2011-12-30 entirely when it crossed the date line.
	// The first valid instant after the gap is the transition itself.
	got, err := NineAMLocalToUTC("Pacific/Apia", 2011, time.December, 30)
	if err != nil {
		t.Fatalf("NineAMLocalToUTC: %v", err)
	}
	want, _ := time.Parse(time.RFC3339, "2011-12-30T10:00:00Z")
	if !got.Equal(want) {
		t.Errorf("got %s, want %s", got.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func TestLocalInstantDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		a, err := LocalInstant("America/New_York", 2025, time.November, 2, 1, 30)
		if err != nil {
			t.Fatalf("LocalInstant: %v", err)
		}
		b, err := LocalInstant("America/New_York", 2025, time.November, 2, 1, 30)
		if err != nil {
			t.Fatalf("LocalInstant: %v", err)
		}
		if !a.Equal(b) {
			t.Fatalf("resolution not deterministic: %s vs %s", a, b)
		}
	}
}

func TestInvalidZones(t *testing.T) {
	for _, zone := range []string{"", "Local", "Mars/Olympus_Mons", "America/NotACity"} {
		t.Run("zone "+zone, func(t *testing.T) {
			if err := ValidateZone(zone); !errors.Is(err, ErrInvalidZone) {
				t.Errorf("ValidateZone(%q) = %v, want ErrInvalidZone", zone, err)
			}
			if _, err := NineAMLocalToUTC(zone, 2025, time.March, 10); !errors.Is(err, ErrInvalidZone) {
				t.Errorf("NineAMLocalToUTC(%q) = %v, want ErrInvalidZone", zone, err)
			}
		})
	}
}

func TestOffsetMinutes(t *testing.T) {
	summer, _ := time.Parse(time.RFC3339, "2025-07-01T12:00:00Z")
	winter, _ := time.Parse(time.RFC3339, "2025-01-15T12:00:00Z")

	tests := []struct {
		name string
		zone string
		at   time.Time
		want int
	}{
		{"new york summer", "America/New_York", summer, -240},
		{"new york winter", "America/New_York", winter, -300},
		{"kathmandu", "Asia/Kathmandu", summer, 345},
		{"kiritimati", "Pacific/Kiritimati", winter, 840},
		{"utc", "UTC", summer, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OffsetMinutes(tt.zone, tt.at)
			if err != nil {
				t.Fatalf("OffsetMinutes: %v", err)
			}
			if got != tt.want {
				t.Errorf("OffsetMinutes = %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := OffsetMinutes("Nowhere/Null", summer); !errors.Is(err, ErrInvalidZone) {
		t.Errorf("expected ErrInvalidZone, got %v", err)
	}
}

func TestIsEventTodayLeapDayFallback(t *testing.T) {
	leapBirthday := time.Date(1992, time.February, 29, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  string
		want bool
	}{
		{"observed on feb 28 in a non-leap year", "2025-02-28T12:00:00Z", true},
		{"observed on feb 29 in a leap year", "2024-02-29T12:00:00Z", true},
		{"not observed on feb 28 in a leap year", "2024-02-28T12:00:00Z", false},
		{"not observed on march 1", "2025-03-01T12:00:00Z", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now, _ := time.Parse(time.RFC3339, tt.now)
			got, err := IsEventToday(leapBirthday, "UTC", now)
			if err != nil {
				t.Fatalf("IsEventToday: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsEventToday = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsEventTodayUsesLocalDateNotUTC(t *testing.T) {
	event := time.Date(1990, time.June, 15, 0, 0, 0, 0, time.UTC)

	// 22:00 UTC on June 15: still June 15 in Los Angeles, already
	// June 16 in Auckland.
	now, _ := time.Parse(time.RFC3339, "2025-06-15T22:00:00Z")

	la, err := IsEventToday(event, "America/Los_Angeles", now)
	if err != nil {
		t.Fatalf("IsEventToday: %v", err)
	}
	if !la {
		t.Error("June 15 should match in Los Angeles at 22:00 UTC")
	}

	akl, err := IsEventToday(event, "Pacific/Auckland", now)
	if err != nil {
		t.Fatalf("IsEventToday: %v", err)
	}
	if akl {
		t.Error("June 15 should no longer match in Auckland at 22:00 UTC")
	}

	// The mirror image: June 15 arrives in Auckland while UTC is still
	// on June 14.
	early, _ := time.Parse(time.RFC3339, "2025-06-14T20:00:00Z")
	akl, err = IsEventToday(event, "Pacific/Auckland", early)
	if err != nil {
		t.Fatalf("IsEventToday: %v", err)
	}
	if !akl {
		t.Error("June 15 should already match in Auckland at 20:00 UTC June 14")
	}
}

func TestObservedMonthDay(t *testing.T) {
	feb29 := time.Date(2000, time.February, 29, 0, 0, 0, 0, time.UTC)
	jun1 := time.Date(1999, time.June, 1, 0, 0, 0, 0, time.UTC)

	if m, d := ObservedMonthDay(feb29, 2025); m != time.February || d != 28 {
		t.Errorf("feb 29 in 2025 observed on %s %d, want February 28", m, d)
	}
	if m, d := ObservedMonthDay(feb29, 2024); m != time.February || d != 29 {
		t.Errorf("feb 29 in 2024 observed on %s %d, want February 29", m, d)
	}
	if m, d := ObservedMonthDay(jun1, 2025); m != time.June || d != 1 {
		t.Errorf("june 1 observed on %s %d, want June 1", m, d)
	}
}

func TestNextDay(t *testing.T) {
	tests := []struct {
		name string
		y    int
		m    time.Month
		d    int
		wy   int
		wm   time.Month
		wd   int
	}{
		{"mid month", 2025, time.June, 14, 2025, time.June, 15},
		{"month rollover", 2025, time.January, 31, 2025, time.February, 1},
		{"year rollover", 2025, time.December, 31, 2026, time.January, 1},
		{"into leap day", 2024, time.February, 28, 2024, time.February, 29},
		{"past feb in non-leap year", 2025, time.February, 28, 2025, time.March, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y, m, d := NextDay(tt.y, tt.m, tt.d)
			if y != tt.wy || m != tt.wm || d != tt.wd {
				t.Errorf("NextDay = %d-%s-%d, want %d-%s-%d", y, m, d, tt.wy, tt.wm, tt.wd)
			}
		})
	}
}

func TestIsLeapYear(t *testing.T) {
	leap := []int{2000, 2024, 2028}
	for _, y := range leap {
		if !IsLeapYear(y) {
			t.Errorf("%d should be a leap year", y)
		}
	}
	nonLeap := []int{1900, 2023, 2025, 2100}
	for _, y := range nonLeap {
		if IsLeapYear(y) {
			t.Errorf("%d should not be a leap year", y)
		}
	}
}
