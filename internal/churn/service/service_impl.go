package service

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	churndomain "github.com/smallbiznis/recovery/internal/churn/domain"
	"github.com/smallbiznis/recovery/internal/clock"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var scoredStatuses = []subscriptiondomain.SubscriptionStatus{
	subscriptiondomain.SubscriptionStatusActive,
	subscriptiondomain.SubscriptionStatusAtRisk,
}

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Clock            clock.Clock
	InvoiceRepo      invoicedomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	PaymentRepo      paymentdomain.Repository
	LedgerRepo       paymentdomain.LedgerRepository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	invoiceRepo      invoicedomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	paymentRepo      paymentdomain.Repository
	ledgerRepo       paymentdomain.LedgerRepository
}

func New(p Params) churndomain.Service {
	svcClock := p.Clock
	if svcClock == nil {
		svcClock = &clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("churn.service"),
		clock: svcClock,

		invoiceRepo:      p.InvoiceRepo,
		subscriptionRepo: p.SubscriptionRepo,
		paymentRepo:      p.PaymentRepo,
		ledgerRepo:       p.LedgerRepo,
	}
}

func (s *Service) ScoreSubscription(ctx context.Context, rawID string) (*churndomain.Score, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(rawID))
	if err != nil || id <= 0 {
		return nil, recoverydomain.NewError(recoverydomain.KindInvalidRequest, "subscription id is invalid", map[string]any{
			"subscription_id": rawID,
		})
	}

	now := s.clock.Now()
	var score churndomain.Score
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subscriptionRepo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return recoverydomain.NewError(recoverydomain.KindNotFound, "subscription not found", map[string]any{
				"subscription_id": id.String(),
			})
		}

		history, err := s.loadHistory(ctx, tx, sub.CustomerID)
		if err != nil {
			return err
		}
		score = churndomain.ComputeScore(history.signals(sub, now), now)
		return nil
	})
	if err != nil {
		return nil, s.mapError(err)
	}
	return &score, nil
}

// ScoreAllAtRisk scores every ACTIVE and AT_RISK subscription from one snapshot
// and ranks by score desc, then subscription id asc.
func (s *Service) ScoreAllAtRisk(ctx context.Context, req churndomain.ScoreAllRequest) ([]churndomain.Score, error) {
	minLevel := req.MinLevel
	if minLevel == "" {
		minLevel = churndomain.LevelLow
	}
	if _, ok := churndomain.ParseLevel(string(minLevel)); !ok {
		return nil, recoverydomain.NewError(recoverydomain.KindInvalidRequest, "unknown risk level", map[string]any{
			"min_level": string(minLevel),
		})
	}

	now := s.clock.Now()
	type ranked struct {
		id    snowflake.ID
		score churndomain.Score
	}
	var scored []ranked

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subs, err := s.subscriptionRepo.ListByStatuses(ctx, tx, scoredStatuses)
		if err != nil {
			return err
		}

		histories := make(map[snowflake.ID]*customerHistory)
		for i := range subs {
			sub := &subs[i]
			history, ok := histories[sub.CustomerID]
			if !ok {
				history, err = s.loadHistory(ctx, tx, sub.CustomerID)
				if err != nil {
					return err
				}
				histories[sub.CustomerID] = history
			}

			score := churndomain.ComputeScore(history.signals(sub, now), now)
			if !score.Level.AtLeast(minLevel) {
				continue
			}
			scored = append(scored, ranked{id: sub.ID, score: score})
		}
		return nil
	})
	if err != nil {
		return nil, s.mapError(err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score.Score != scored[j].score.Score {
			return scored[i].score.Score > scored[j].score.Score
		}
		return scored[i].id < scored[j].id
	})

	if req.Limit > 0 && len(scored) > req.Limit {
		scored = scored[:req.Limit]
	}
	out := make([]churndomain.Score, 0, len(scored))
	for _, item := range scored {
		out = append(out, item.score)
	}
	return out, nil
}

func (s *Service) mapError(err error) error {
	var recErr *recoverydomain.Error
	if errors.As(err, &recErr) {
		return recErr
	}
	s.log.Error("churn scoring read failed", zap.Error(err))
	return recoverydomain.Wrap(recoverydomain.KindTransactionAborted, "churn scoring read failed", err)
}
