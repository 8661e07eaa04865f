package network

import "testing"

func TestCapabilitySatisfies(t *testing.T) {
	wifi := Capability{Online: true, Bearer: BearerWifi, Metered: false, Roaming: false}
	cellular := Capability{Online: true, Bearer: BearerCellular, Metered: true, Roaming: false}
	offline := Capability{Online: false, Bearer: BearerLost}

	cases := []struct {
		name         string
		cap          Capability
		preference   string
		allowMetered bool
		allowRoaming bool
		want         bool
	}{
		{"offline always fails", offline, "any", true, true, false},
		{"wifi preference on wifi", wifi, "wifi", false, false, true},
		{"wifi preference on cellular fails", cellular, "wifi", true, true, false},
		{"cellular metered blocked by default", cellular, "any", false, false, false},
		{"cellular metered allowed", cellular, "any", true, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.cap.Satisfies(tc.preference, tc.allowMetered, tc.allowRoaming)
			if got != tc.want {
				t.Errorf("Satisfies(%q, %v, %v) = %v, want %v", tc.preference, tc.allowMetered, tc.allowRoaming, got, tc.want)
			}
		})
	}
}
