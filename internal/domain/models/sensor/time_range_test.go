package sensor

import (
	"strings"
	"testing"
)

func TestParseTimeRange(t *testing.T) {
	t.Run("valid range", func(t *testing.T) {
		r, err := ParseTimeRange("2022-03-01 00:00:00", "2022-03-02 12:30:00")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.StartString() != "2022-03-01 00:00:00" {
			t.Errorf("expected start to round-trip, got %s", r.StartString())
		}
		if r.EndString() != "2022-03-02 12:30:00" {
			t.Errorf("expected end to round-trip, got %s", r.EndString())
		}
	})

	t.Run("start equals end", func(t *testing.T) {
		if _, err := ParseTimeRange("2022-03-01 10:00:00", "2022-03-01 10:00:00"); err != nil {
			t.Errorf("instant query should be valid, got %v", err)
		}
	})

	t.Run("full coverage window", func(t *testing.T) {
		if _, err := ParseTimeRange("2022-01-01 00:00:00", "2022-06-02 00:00:00"); err != nil {
			t.Errorf("coverage bounds should be inclusive, got %v", err)
		}
	})

	t.Run("end before start", func(t *testing.T) {
		_, err := ParseTimeRange("2022-03-02 00:00:00", "2022-03-01 00:00:00")
		if err == nil {
			t.Fatal("expected error for inverted range")
		}
		if !strings.Contains(err.Error(), "before") {
			t.Errorf("unexpected error message: %v", err)
		}
	})

	t.Run("before coverage", func(t *testing.T) {
		if _, err := ParseTimeRange("2021-12-31 23:59:59", "2022-01-02 00:00:00"); err == nil {
			t.Fatal("expected error for range before dataset coverage")
		}
	})

	t.Run("after coverage", func(t *testing.T) {
		if _, err := ParseTimeRange("2022-06-01 00:00:00", "2022-06-02 00:00:01"); err == nil {
			t.Fatal("expected error for range after dataset coverage")
		}
	})

	t.Run("bad format", func(t *testing.T) {
		cases := []struct{ start, end string }{
			{"2022-03-01", "2022-03-02 00:00:00"},
			{"2022-03-01T00:00:00", "2022-03-02 00:00:00"},
			{"2022-03-01 00:00:00", "not a timestamp"},
			{"", "2022-03-02 00:00:00"},
		}
		for _, c := range cases {
			if _, err := ParseTimeRange(c.start, c.end); err == nil {
				t.Errorf("expected parse error for (%q, %q)", c.start, c.end)
			}
		}
	})
}
