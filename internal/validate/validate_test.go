package validate

import (
	"context"
	"testing"

	"github.com/shiftdb/shift/internal/policy"
	"github.com/shiftdb/shift/internal/testutil"
)

func TestGUCComparisonExtraction(t *testing.T) {
	expr := "tenant_id::text = current_setting('shift.tenant_id', true) AND user_id::text = current_setting('shift.user_id', true)"
	matches := gucComparison.FindAllStringSubmatch(expr, -1)
	testutil.Equal(t, 2, len(matches))
	testutil.Equal(t, "tenant_id", matches[0][1])
	testutil.Equal(t, "shift.tenant_id", matches[0][2])
	testutil.Equal(t, "user_id", matches[1][1])
	testutil.Equal(t, "shift.user_id", matches[1][2])
}

func TestGUCComparisonIgnoresAdminCheck(t *testing.T) {
	expr := "current_setting('shift.role', true) = 'admin'"
	testutil.Equal(t, 0, len(gucComparison.FindAllStringSubmatch(expr, -1)))
}

func TestProbeSkipsExpressionsWithoutSessionVariables(t *testing.T) {
	pol := policy.AccessPolicy{
		Name:            "orders_access",
		Table:           "orders",
		UsingExpression: "true",
		Origin:          policy.OriginHint,
	}
	probe := probePolicy(context.Background(), nil, pol, "m_orders")
	testutil.True(t, probe.Skipped)
	testutil.False(t, probe.Passed)
	testutil.NotEqual(t, "", probe.Detail)
}
