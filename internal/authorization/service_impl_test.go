package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/brokerpay/internal/authcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAuthorizeByRole(t *testing.T) {
	enforcer, err := NewEnforcer()
	require.NoError(t, err)
	svc := NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
	ctx := context.Background()

	master := authcontext.Actor{UserID: "u1", Role: authcontext.RoleMaster}
	broker := authcontext.Actor{UserID: "u2", Role: authcontext.RoleBroker}

	for _, action := range []string{
		ActionAdjustmentApprove, ActionAdjustmentReject, ActionAdjustmentEdit,
		ActionAdjustmentOverride, ActionAdjustmentUnify,
	} {
		assert.NoError(t, svc.Authorize(ctx, master, ObjectAdjustment, action), action)
		assert.ErrorIs(t, svc.Authorize(ctx, broker, ObjectAdjustment, action), ErrDenied, action)
	}

	assert.NoError(t, svc.Authorize(ctx, broker, ObjectAdjustment, ActionAdjustmentCreate))
	assert.ErrorIs(t, svc.Authorize(ctx, broker, ObjectSettlement, ActionSettlementGenerate), ErrDenied)
	assert.ErrorIs(t, svc.Authorize(ctx, authcontext.Actor{}, ObjectAdjustment, ActionAdjustmentView), ErrInvalidActor)
}
