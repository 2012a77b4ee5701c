package stamp

import (
	"testing"
	"time"

	"llmsheet/pkg/contract"
)

func TestName(t *testing.T) {
	now := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)
	cases := []struct {
		id   contract.FileID
		ext  string
		want string
	}{
		{"data/calls.csv", ".csv", "processed_calls_20240309-070501.csv"},
		{"Book 1.xlsx", ".xlsx", "processed_Book 1_20240309-070501.xlsx"},
		{"-", ".csv", "processed_pasted_20240309-070501.csv"},
		{".hidden", ".tsv", "processed_.hidden_20240309-070501.tsv"},
	}
	for _, c := range cases {
		if got := Name(c.id, c.ext, now); got != c.want {
			t.Fatalf("Name(%q)=%q want %q", c.id, got, c.want)
		}
	}
}

func TestClock(t *testing.T) {
	fixed := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if !Clock(func() time.Time { return fixed }).Now().Equal(fixed) {
		t.Fatalf("clock not injected")
	}
	if Clock(nil).Now().IsZero() {
		t.Fatalf("nil clock should fall back to time.Now")
	}
}
