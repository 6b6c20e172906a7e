package mapper

import (
	"reflect"
	"testing"
)

var testAreaSet = map[string]bool{
	"HOME": true, "HEALTH": true, "PROSPER": true, "WORK": true,
	"PERSONAL & FAMILY": true, "FINANCIAL": true, "FUN": true,
}

func TestStripAreaMarker(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"WORK 📁", "WORK"},
		{"WORK", "WORK"},
		{"  HOME 🏠 ", "HOME"},
		{"PERSONAL & FAMILY 📁", "PERSONAL & FAMILY"},
		{"📁", ""},
		{"", ""},
		{"errand", "errand"},
	}
	for _, tt := range tests {
		if got := StripAreaMarker(tt.in); got != tt.want {
			t.Errorf("StripAreaMarker(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAreaName(t *testing.T) {
	tests := []struct {
		label  string
		want   string
		wantOK bool
	}{
		{"WORK 📁", "WORK", true},
		{"work", "WORK", true},
		{"Personal & Family 📁", "PERSONAL & FAMILY", true},
		{"ZEBRA 📁", "ZEBRA", false},
		{"errand", "ERRAND", false},
		{"📁", "", false},
	}
	for _, tt := range tests {
		got, ok := AreaName(tt.label, testAreaSet)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("AreaName(%q) = (%q, %v), want (%q, %v)", tt.label, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestSplitLabels(t *testing.T) {
	rest, areas, people := splitLabels(
		[]string{"capsync", "WORK 📁", "home 🏠", "@Doug", "@capsync", "zeta", "alpha", "WORK"},
		"capsync", testAreaSet)

	if !reflect.DeepEqual(rest, []string{"alpha", "zeta"}) {
		t.Errorf("rest: got %v", rest)
	}
	if !reflect.DeepEqual(areas, []string{"HOME", "WORK"}) {
		t.Errorf("areas: got %v", areas)
	}
	if !reflect.DeepEqual(people, []string{"Doug"}) {
		t.Errorf("people: got %v", people)
	}
}

// Every input label must land in exactly one bucket, up to area-marker
// normalization and removal of the eligibility tag.
func TestSplitLabelsPartition(t *testing.T) {
	labels := []string{"WORK 📁", "errand", "@Val", "FUN", "deep"}
	rest, areas, people := splitLabels(labels, "capsync", testAreaSet)

	total := len(rest) + len(areas) + len(people)
	if total != len(labels) {
		t.Errorf("partition lost labels: %d buckets from %d labels", total, len(labels))
	}
}
