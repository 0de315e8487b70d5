package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const callConfigKeyPrefix = "call_config:"

// BadgerConfigManager stores call configurations in BadgerDB so calls
// admitted by one process can be picked up after a restart.
type BadgerConfigManager struct {
	db *badger.DB
}

type BadgerOptions struct {
	// Dir is where BadgerDB keeps its files. Required unless InMemory.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

func NewBadgerConfigManager(opts BadgerOptions) (*BadgerConfigManager, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger config manager: dir is required for on-disk mode")
	}

	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	l := opts.Logger
	if l == nil {
		l = logger
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{l})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerConfigManager{db: db}, nil
}

func (m *BadgerConfigManager) Save(_ context.Context, conversationID string, config CallConfig) error {
	value, err := msgpack.Marshal(&config)
	if err != nil {
		return fmt.Errorf("failed to encode call config: %w", err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(callConfigKey(conversationID), value)
	})
}

func (m *BadgerConfigManager) Get(_ context.Context, conversationID string) (CallConfig, error) {
	var value []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(callConfigKey(conversationID))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return CallConfig{}, fmt.Errorf("%w: %s", ErrConfigNotFound, conversationID)
	}
	if err != nil {
		return CallConfig{}, err
	}

	var config CallConfig
	if err := msgpack.Unmarshal(value, &config); err != nil {
		return CallConfig{}, fmt.Errorf("failed to decode call config: %w", err)
	}
	return config, nil
}

func (m *BadgerConfigManager) Delete(_ context.Context, conversationID string) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(callConfigKey(conversationID))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (m *BadgerConfigManager) Close() error { return m.db.Close() }

func callConfigKey(conversationID string) []byte {
	return []byte(callConfigKeyPrefix + conversationID)
}

// badgerLogger routes badger's own logging into slog. Its info output is
// chatty, so it goes to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
