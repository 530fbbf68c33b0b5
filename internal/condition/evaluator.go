// Package condition evaluates Policy Conditions against a client context
// (C4). Evaluation is pure: no I/O, no shared state, safe to call inline on
// the owning session's task.
package condition

import (
	"net"
	"time"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// Evaluate checks every Condition against ctx and returns whether all hold,
// together with the longest conforming suffix (bounded by subjectExpiry)
// when ok, or the full set of violated properties when not.
func Evaluate(conditions []domain.Condition, ctx domain.ClientContext, subjectExpiry time.Time) domain.EvalResult {
	violated := []domain.ConditionProperty{}
	expiresAt := subjectExpiry

	for _, c := range conditions {
		ok, windowEnd := evalOne(c, ctx)
		if !ok {
			violated = append(violated, c.Property)
			continue
		}
		if !windowEnd.IsZero() && windowEnd.Before(expiresAt) {
			expiresAt = windowEnd
		}
	}

	if len(violated) > 0 {
		return domain.EvalResult{OK: false, Violated: violated}
	}
	return domain.EvalResult{OK: true, ExpiresAt: expiresAt}
}

// evalOne evaluates a single condition, returning its own conforming
// windowEnd (zero if the condition is not time-bounded).
func evalOne(c domain.Condition, ctx domain.ClientContext) (bool, time.Time) {
	switch c.Property {
	case domain.PropertyRemoteIPLocationRegion:
		return evalMembership(c.Operator, c.Values, ctx.RemoteRegion), time.Time{}

	case domain.PropertyRemoteIP:
		return evalCIDR(c.Operator, c.Values, ctx.RemoteIP), time.Time{}

	case domain.PropertyProviderID:
		return evalMembership(c.Operator, c.Values, ctx.ProviderID.String()), time.Time{}

	case domain.PropertyClientVerified:
		want := c.Operator == domain.OpIs
		return ctx.ClientVerified == want, time.Time{}

	case domain.PropertyCurrentUTCDatetime:
		if c.Operator != domain.OpIsInDayOfWeekTimeRanges {
			return false, time.Time{}
		}
		ranges, err := parseDayOfWeekTimeRanges(c.Values)
		if err != nil {
			return false, time.Time{}
		}
		return ranges.conforms(ctx.Now)

	default:
		return false, time.Time{}
	}
}

func evalMembership(op domain.ConditionOperator, values []string, actual string) bool {
	in := false
	for _, v := range values {
		if v == actual {
			in = true
			break
		}
	}
	switch op {
	case domain.OpIsIn:
		return in
	case domain.OpIsNotIn:
		return !in
	default:
		return false
	}
}

func evalCIDR(op domain.ConditionOperator, values []string, ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	in := false
	for _, v := range values {
		_, network, err := net.ParseCIDR(v)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			in = true
			break
		}
	}
	switch op {
	case domain.OpIsInCIDR:
		return in
	case domain.OpIsNotInCIDR:
		return !in
	default:
		return false
	}
}

// NormalizeCIDR parses and re-renders a CIDR string in canonical form (host
// bits zeroed), matching the boundary behavior documented for the policy
// editor (e.g. 192.168.1.1/24 → 192.168.1.0/24).
func NormalizeCIDR(s string) (string, error) {
	_, network, err := net.ParseCIDR(s)
	if err != nil {
		return "", err
	}
	return network.String(), nil
}

// LongestConforming selects, among candidates all bound to the same
// (client, resource) pair, the policy whose conformance window ends latest
// but no later than subjectExpiry; ties are broken by Policy.ID
// lexicographically.
func LongestConforming(candidates []domain.Policy, ctx domain.ClientContext, subjectExpiry time.Time) (*domain.Policy, domain.EvalResult) {
	var best *domain.Policy
	var bestResult domain.EvalResult
	allViolated := map[domain.ConditionProperty]bool{}

	for i := range candidates {
		p := &candidates[i]
		result := Evaluate(p.Conditions, ctx, subjectExpiry)
		if !result.OK {
			for _, v := range result.Violated {
				allViolated[v] = true
			}
			continue
		}
		switch {
		case best == nil:
			best, bestResult = p, result
		case result.ExpiresAt.After(bestResult.ExpiresAt):
			best, bestResult = p, result
		case result.ExpiresAt.Equal(bestResult.ExpiresAt) && p.ID.String() < best.ID.String():
			best, bestResult = p, result
		}
	}

	if best == nil {
		violated := make([]domain.ConditionProperty, 0, len(allViolated))
		for v := range allViolated {
			violated = append(violated, v)
		}
		return nil, domain.EvalResult{OK: false, Violated: violated}
	}
	return best, bestResult
}
