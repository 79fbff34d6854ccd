package commands

import (
	"fmt"

	"github.com/linqiu/stockseer/backend/internal/quantdata"
	"github.com/linqiu/stockseer/backend/internal/reconcile"
	"github.com/linqiu/stockseer/backend/internal/scoring"
	"github.com/linqiu/stockseer/backend/internal/serving"
	"github.com/linqiu/stockseer/backend/internal/store"
	"github.com/linqiu/stockseer/backend/pkg/config"
	"github.com/linqiu/stockseer/backend/pkg/logger"
	"github.com/linqiu/stockseer/backend/pkg/redis"
)

// app bundles the shared wiring every command needs.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   store.Store
	redis   *redis.Client
	gateway quantdata.Gateway
	engine  *reconcile.Engine
	serving *serving.Service
}

// bootstrap loads configuration and connects the store, the quant data
// gateway, the scoring client and the layers on top of them.
func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg)

	st, err := store.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rdb, err := redis.New(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	gateway := quantdata.NewClient(cfg, log)
	provider := scoring.NewClient(cfg, rdb, log)
	engine := reconcile.New(st, gateway, provider, cfg, log)
	svc := serving.New(st, gateway, rdb, cfg, log)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   st,
		redis:   rdb,
		gateway: gateway,
		engine:  engine,
		serving: svc,
	}, nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to close store")
	}
}
