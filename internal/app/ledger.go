package app

import (
	"relaybot/internal/authz"
	"relaybot/internal/config"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	logx "relaybot/pkg/logx"
)

// OpenLedger opens the configured store and a ledger over it, using the same
// timezone the running bot would. The caller closes the store.
func OpenLedger(cfg *config.Config, log logx.Logger) (*authz.Ledger, storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, err
	}
	loc := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, log).Location()
	return authz.New(store, authz.WithLocation(loc)), store, nil
}
