package directory

import "testing"

func TestBreakerTrip(t *testing.T) {
	cases := []struct {
		name             string
		firstSync        bool
		previousCount    int
		keepCount        int
		maxDeletionRatio float64
		want             bool
	}{
		{"first sync never trips", true, 0, 0, 1.0, false},
		{"first sync with zero new identities never trips", true, 0, 0, 1.0, false},
		{"no prior identities never trips", false, 0, 5, 1.0, false},
		{"partial shrink does not trip at 100% threshold", false, 50, 10, 1.0, false},
		{"total wipeout trips at 100% threshold", false, 50, 0, 1.0, true},
		{"growth never trips", false, 50, 80, 1.0, false},
		{"unchanged never trips", false, 50, 50, 1.0, false},
		{"half loss trips at 50% threshold", false, 50, 25, 0.5, true},
		{"half loss does not trip at 100% threshold", false, 50, 25, 1.0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := breakerTrip(tc.firstSync, tc.previousCount, tc.keepCount, tc.maxDeletionRatio)
			if got != tc.want {
				t.Errorf("breakerTrip(%v, %d, %d, %v) = %v, want %v",
					tc.firstSync, tc.previousCount, tc.keepCount, tc.maxDeletionRatio, got, tc.want)
			}
		})
	}
}
