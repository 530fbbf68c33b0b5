package condition

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

func mustUUID(s string) uuid.UUID {
	return uuid.MustParse(s)
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"09:00:00", false},
		{"17:00", false},
		{"24:00:00", false},
		{"25", true},
		{"24:00:01", true},
		{"09:60:00", true},
	}
	for _, c := range cases {
		_, err := parseClock(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("parseClock(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
		}
	}
}

func TestParseDayOfWeekTimeRanges(t *testing.T) {
	ranges, err := parseDayOfWeekTimeRanges([]string{"M/true"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranges['M']) != 1 || !ranges['M'][0].always {
		t.Fatalf("expected M to map to a single always-true range, got %+v", ranges['M'])
	}

	if _, err := parseDayOfWeekTimeRanges([]string{"M/25-17:00:00"}); err == nil {
		t.Fatal("expected invalid time range error")
	}

	if _, err := parseDayOfWeekTimeRanges([]string{"M/17:00:00-08:00:00"}); err == nil {
		t.Fatal("expected error for start after end")
	}
}

func TestEvaluateTimeWindow(t *testing.T) {
	subjectExpiry := time.Date(2026, 7, 27, 23, 59, 59, 0, time.UTC) // Monday
	conditions := []domain.Condition{{
		Property: domain.PropertyCurrentUTCDatetime,
		Operator: domain.OpIsInDayOfWeekTimeRanges,
		Values:   []string{"M/09:00:00-17:00:00"},
	}}

	within := domain.ClientContext{Now: time.Date(2026, 7, 27, 10, 0, 0, 0, time.UTC)}
	result := Evaluate(conditions, within, subjectExpiry)
	if !result.OK {
		t.Fatalf("expected conforming at 10:00, got violated=%v", result.Violated)
	}
	wantExpiry := time.Date(2026, 7, 27, 17, 0, 0, 0, time.UTC)
	if !result.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiresAt = %v, want %v", result.ExpiresAt, wantExpiry)
	}

	after := domain.ClientContext{Now: time.Date(2026, 7, 27, 17, 0, 1, 0, time.UTC)}
	result = Evaluate(conditions, after, subjectExpiry)
	if result.OK {
		t.Fatal("expected violation after window closes")
	}
	if len(result.Violated) != 1 || result.Violated[0] != domain.PropertyCurrentUTCDatetime {
		t.Errorf("unexpected violated set: %v", result.Violated)
	}
}

func TestEvaluateCIDR(t *testing.T) {
	conditions := []domain.Condition{{
		Property: domain.PropertyRemoteIP,
		Operator: domain.OpIsInCIDR,
		Values:   []string{"10.0.0.0/8"},
	}}
	ctx := domain.ClientContext{RemoteIP: "10.1.2.3", Now: time.Now()}
	subjectExpiry := time.Now().Add(time.Hour)

	if !Evaluate(conditions, ctx, subjectExpiry).OK {
		t.Fatal("expected 10.1.2.3 to be in 10.0.0.0/8")
	}

	ctx.RemoteIP = "192.168.1.1"
	if Evaluate(conditions, ctx, subjectExpiry).OK {
		t.Fatal("expected 192.168.1.1 to be outside 10.0.0.0/8")
	}
}

func TestLongestConforming(t *testing.T) {
	now := time.Date(2026, 7, 27, 10, 0, 0, 0, time.UTC)
	subjectExpiry := time.Date(2026, 7, 27, 23, 59, 59, 0, time.UTC)
	ctx := domain.ClientContext{Now: now}

	always := domain.Policy{ID: mustUUID("00000000-0000-0000-0000-000000000001")}
	windowed := domain.Policy{
		ID: mustUUID("00000000-0000-0000-0000-000000000002"),
		Conditions: []domain.Condition{{
			Property: domain.PropertyCurrentUTCDatetime,
			Operator: domain.OpIsInDayOfWeekTimeRanges,
			Values:   []string{"M/09:00:00-18:00:00"},
		}},
	}

	best, result := LongestConforming([]domain.Policy{always, windowed}, ctx, subjectExpiry)
	if best == nil || !result.OK {
		t.Fatal("expected a conforming policy")
	}
	if best.ID != always.ID {
		t.Errorf("expected the unconditional policy to win (longer window), got %v", best.ID)
	}
	if !result.ExpiresAt.Equal(subjectExpiry) {
		t.Errorf("expiresAt = %v, want subject expiry %v", result.ExpiresAt, subjectExpiry)
	}
}
