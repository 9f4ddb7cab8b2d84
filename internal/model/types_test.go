package model

import "testing"

func TestParseTriggerReasonRoundTrip(t *testing.T) {
	for r := ReasonPeriodic; r <= ReasonRemoteRequest; r++ {
		got, err := ParseTriggerReason(r.String())
		if err != nil {
			t.Fatalf("parse %q: %v", r.String(), err)
		}
		if got != r {
			t.Errorf("expected %v, got %v", r, got)
		}
	}

	if _, err := ParseTriggerReason("teleport"); err == nil {
		t.Error("expected error for unknown reason")
	}
}

func TestBypassesSuppression(t *testing.T) {
	cases := map[TriggerReason]bool{
		ReasonPeriodic:       false,
		ReasonActivityChange: false,
		ReasonWifiChange:     false,
		ReasonManual:         true,
		ReasonRemoteRequest:  true,
	}
	for reason, want := range cases {
		if got := reason.BypassesSuppression(); got != want {
			t.Errorf("%v: expected %v, got %v", reason, want, got)
		}
	}
}

func TestParseActivityType(t *testing.T) {
	cases := []struct {
		in   string
		want ActivityType
	}{
		{"Still", Still},
		{"walking", Walking},
		{"in_vehicle", Driving},
		{"", Unknown},
	}
	for _, tc := range cases {
		got, err := ParseActivityType(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("parse %q: expected %v, got %v", tc.in, tc.want, got)
		}
	}
	if !Driving.Moving() || Still.Moving() || Unknown.Moving() {
		t.Error("unexpected Moving classification")
	}
}
