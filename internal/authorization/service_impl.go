package authorization

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/smallbiznis/brokerpay/internal/authcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed model.conf
var modelText string

const (
	ObjectAdjustment   = "adjustment"
	ObjectSettlement   = "settlement"
	ObjectNotification = "notification"
)

const (
	ActionAdjustmentCreate   = "adjustment.create"
	ActionAdjustmentView     = "adjustment.view"
	ActionAdjustmentApprove  = "adjustment.approve"
	ActionAdjustmentReject   = "adjustment.reject"
	ActionAdjustmentEdit     = "adjustment.edit"
	ActionAdjustmentOverride = "adjustment.override"
	ActionAdjustmentUnify    = "adjustment.unify"

	ActionSettlementGenerate = "settlement.generate"
	ActionSettlementMarkPaid = "settlement.mark_paid"

	ActionNotificationView = "notification.view"
)

var (
	ErrInvalidActor = errors.New("invalid_actor")
	ErrDenied       = errors.New("authorization_denied")
)

type Service interface {
	Authorize(ctx context.Context, actor authcontext.Actor, object string, action string) error
}

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer builds an in-memory enforcer seeded with the role policies.
func NewEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor authcontext.Actor, object string, action string) error {
	role := strings.TrimSpace(string(actor.Role))
	if role == "" || strings.TrimSpace(actor.UserID) == "" {
		return ErrInvalidActor
	}

	allowed, err := s.enforcer.Enforce(role, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("user_id", actor.UserID),
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrDenied
	}
	return nil
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{string(authcontext.RoleMaster), ObjectAdjustment, ActionAdjustmentCreate},
		{string(authcontext.RoleMaster), ObjectAdjustment, ActionAdjustmentView},
		{string(authcontext.RoleMaster), ObjectAdjustment, ActionAdjustmentApprove},
		{string(authcontext.RoleMaster), ObjectAdjustment, ActionAdjustmentReject},
		{string(authcontext.RoleMaster), ObjectAdjustment, ActionAdjustmentEdit},
		{string(authcontext.RoleMaster), ObjectAdjustment, ActionAdjustmentOverride},
		{string(authcontext.RoleMaster), ObjectAdjustment, ActionAdjustmentUnify},
		{string(authcontext.RoleMaster), ObjectSettlement, ActionSettlementGenerate},
		{string(authcontext.RoleMaster), ObjectSettlement, ActionSettlementMarkPaid},
		{string(authcontext.RoleMaster), ObjectNotification, ActionNotificationView},

		{string(authcontext.RoleBroker), ObjectAdjustment, ActionAdjustmentCreate},
		{string(authcontext.RoleBroker), ObjectAdjustment, ActionAdjustmentView},
		{string(authcontext.RoleBroker), ObjectNotification, ActionNotificationView},
	}
	for _, p := range policies {
		if _, err := enforcer.AddPolicy(p[0], p[1], p[2]); err != nil {
			return err
		}
	}
	return nil
}
