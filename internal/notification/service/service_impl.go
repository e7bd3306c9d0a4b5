package service

import (
	"context"

	"github.com/smallbiznis/brokerpay/internal/authcontext"
	"github.com/smallbiznis/brokerpay/internal/authorization"
	"github.com/smallbiznis/brokerpay/internal/notification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Repo  domain.Repository
	Authz authorization.Service
}

type Service struct {
	log   *zap.Logger
	repo  domain.Repository
	authz authorization.Service
}

func New(p Params) domain.Service {
	return &Service{
		log:   p.Log.Named("notification.service"),
		repo:  p.Repo,
		authz: p.Authz,
	}
}

func (s *Service) List(ctx context.Context, limit int) ([]domain.Notification, error) {
	actor, ok := authcontext.ActorFromContext(ctx)
	if !ok {
		return nil, authorization.ErrInvalidActor
	}
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectNotification, authorization.ActionNotificationView); err != nil {
		return nil, err
	}

	filter := domain.ListFilter{Limit: limit}
	if actor.IsMaster() {
		filter.Audience = domain.AudienceMaster
	} else {
		if actor.BrokerID == nil {
			return nil, domain.ErrInvalidAudience
		}
		filter.Audience = domain.AudienceBroker
		filter.BrokerID = actor.BrokerID
	}

	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return items, nil
}
