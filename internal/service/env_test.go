package service

import (
	"testing"

	"creditledger/internal/config"
	"creditledger/internal/testutil"
	"creditledger/pkg/zpay"

	"gorm.io/gorm"
)

type testEnv struct {
	db        *gorm.DB
	cfg       *config.Config
	ledger    *LedgerService
	projector *BalanceProjector
	orders    *OrderService
	notify    *NotifyService
	guard     *GuardService
	tasks     *TaskService
	users     *UserService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := testutil.Config()

	ledger := NewLedgerService(db, cfg)
	projector := NewBalanceProjector(db, cfg)
	orders := NewOrderService(db, cfg, ledger, NewProductCatalogFromConfig(cfg.Products))
	return &testEnv{
		db:        db,
		cfg:       cfg,
		ledger:    ledger,
		projector: projector,
		orders:    orders,
		notify:    NewNotifyService(db, cfg, orders, zpay.NewVerifier(cfg.Gateway.MerchantKey), nil),
		guard:     NewGuardService(db, cfg, projector, ledger),
		tasks:     NewTaskService(db, cfg, ledger),
		users:     NewUserService(db, cfg),
	}
}
