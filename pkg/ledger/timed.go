package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus-agent/marcus/pkg/types"
)

// WithTimeout wraps a store so no single operation stalls the caller past
// the budget. A timed-out operation keeps running in the background; its
// result is discarded. A non-positive budget returns the store unwrapped.
func WithTimeout(inner Store, budget time.Duration) Store {
	if budget <= 0 {
		return inner
	}
	return &timedStore{inner: inner, budget: budget}
}

type timedStore struct {
	inner  Store
	budget time.Duration
}

func (s *timedStore) run(op string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(s.budget)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: %s timed out after %s", types.ErrLedgerWrite, op, s.budget)
	}
}

func (s *timedStore) Put(collection, id string, record any) error {
	return s.run("put "+collection, func() error {
		return s.inner.Put(collection, id, record)
	})
}

func (s *timedStore) Delete(collection, id string) error {
	return s.run("delete "+collection, func() error {
		return s.inner.Delete(collection, id)
	})
}

// Get decodes through an intermediate buffer so a timed-out inner call
// never writes into the caller's value.
func (s *timedStore) Get(collection, id string, out any) (bool, error) {
	var raw json.RawMessage
	var found bool
	err := s.run("get "+collection, func() error {
		var err error
		found, err = s.inner.Get(collection, id, &raw)
		return err
	})
	if err != nil || !found {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func (s *timedStore) List(collection string) (map[string]json.RawMessage, error) {
	var records map[string]json.RawMessage
	err := s.run("list "+collection, func() error {
		var err error
		records, err = s.inner.List(collection)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *timedStore) Close() error {
	return s.inner.Close()
}
