package gormstore

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/remote"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
)

// Subscribe polls the user's namespace and delivers the full content of every collection that
// changed since the previous poll. The first poll delivers every collection. A wakeup naming
// the user triggers an immediate poll. The channel is closed when ctx is done. Polls that fail
// are skipped.
func (store *Store) Subscribe(ctx context.Context, userID string) (<-chan remote.Update, error) {
	normalized, err := remote.NormalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	updates := make(chan remote.Update)
	go func() {
		defer close(updates)
		fingerprints := make(map[ledger.Collection][]byte)
		wakeups := store.wakeups
		ticker := time.NewTicker(store.pollInterval)
		defer ticker.Stop()
		for {
			if !store.poll(ctx, normalized, fingerprints, updates) {
				return
			}
			if !waitForPoll(ctx, normalized, ticker.C, &wakeups) {
				return
			}
		}
	}()
	return updates, nil
}

// poll reports false once ctx is done.
func (store *Store) poll(ctx context.Context, userID string, fingerprints map[ledger.Collection][]byte, updates chan<- remote.Update) bool {
	loadedAt := time.Now()
	snapshot, err := store.Load(ctx, userID)
	if err != nil {
		return ctx.Err() == nil
	}
	collections := []struct {
		name     ledger.Collection
		contents any
	}{
		{name: ledger.CollectionEnvelopes, contents: snapshot.Envelopes},
		{name: ledger.CollectionTransactions, contents: snapshot.Transactions},
		{name: ledger.CollectionTemplates, contents: snapshot.DistributionTemplates},
		{name: ledger.CollectionSettings, contents: snapshot.AppSettings},
	}
	for _, collection := range collections {
		fingerprint, err := json.Marshal(collection.contents)
		if err != nil {
			continue
		}
		if previous, seen := fingerprints[collection.name]; seen && bytes.Equal(previous, fingerprint) {
			continue
		}
		fingerprints[collection.name] = fingerprint
		select {
		case updates <- remote.Update{Collection: collection.name, Snapshot: snapshot, LoadedAt: loadedAt}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// waitForPoll blocks until the next poll is due and reports false once ctx is done.
func waitForPoll(ctx context.Context, userID string, tick <-chan time.Time, wakeups *<-chan string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-tick:
			return true
		case woken, ok := <-*wakeups:
			if !ok {
				*wakeups = nil
				continue
			}
			if woken == userID {
				return true
			}
		}
	}
}
