package topic

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"loc/dev1/reports", "loc/dev1/reports", true},
		{"loc/+/reports", "loc/dev1/reports", true},
		{"loc/+/reports", "loc/dev1/commands", false},
		{"loc/#", "loc/dev1/reports", true},
		{"loc/#", "loc", true},
		{"#", "anything/at/all", true},
		{"loc/+", "loc/dev1/reports", false},
		{"loc/dev1/reports/extra", "loc/dev1/reports", false},
		{"+/+/+", "a/b/c", true},
	}
	for _, tt := range tests {
		if got := Match(tt.filter, tt.topic); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestValidFilter(t *testing.T) {
	for _, f := range []string{"a/b", "a/+/c", "a/#", "#", "+"} {
		if !ValidFilter(f) {
			t.Errorf("expected %q to be valid", f)
		}
	}
	for _, f := range []string{"", "a/#/c", "a/b+", "a#"} {
		if ValidFilter(f) {
			t.Errorf("expected %q to be invalid", f)
		}
	}
}

func TestTopicNames(t *testing.T) {
	if got := Reports("locshare/", "dev1"); got != "locshare/dev1/reports" {
		t.Errorf("unexpected reports topic %q", got)
	}
	if got := Commands("", "dev1"); got != "dev1/commands" {
		t.Errorf("unexpected commands topic %q", got)
	}
}
