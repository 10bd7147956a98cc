package syncer

import (
	"context"
	"strings"

	"github.com/MarkoPoloResearchLab/envelopes/internal/session"
	"go.uber.org/zap"
)

// Authenticate feeds the live authentication signal through the session gate and switches the
// reconciler to the effective user. liveUserID is empty when the caller has no valid session.
// A denied caller stops remote mirroring but keeps the local state, which stays recorded as
// the previous user's.
func (reconciler *Reconciler) Authenticate(ctx context.Context, liveUserID string) session.Decision {
	liveUserID = strings.TrimSpace(liveUserID)
	decision := session.Decision{Authenticated: liveUserID != "", UserID: liveUserID}
	if reconciler.gate != nil {
		decision = reconciler.gate.Evaluate(liveUserID, reconciler.Meta().Online)
	}
	if decision.Authenticated {
		if err := reconciler.SetUser(ctx, decision.UserID); err != nil {
			reconciler.report(err)
		}
		return decision
	}

	reconciler.mu.Lock()
	previous := reconciler.userID
	reconciler.userID = ""
	reconciler.mu.Unlock()
	if previous != "" {
		reconciler.stopSubscription()
		reconciler.logger.Info("session no longer effective", zap.String("user_id", previous))
	}
	return decision
}

// SetUser makes userID the owner of the local state. Local state that belongs to another user,
// in memory or in the cache, is cleared first even when that user's session already ended.
// When online, the new user's remote state is loaded.
func (reconciler *Reconciler) SetUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrNotAuthenticated
	}
	reconciler.authMu.Lock()
	defer reconciler.authMu.Unlock()

	reconciler.mu.Lock()
	previous := reconciler.userID
	owner := reconciler.owner
	reconciler.mu.Unlock()
	if previous == userID {
		return nil
	}
	if owner == "" {
		owner = reconciler.cachedOwner()
	}
	if owner != "" && owner != userID {
		reconciler.logger.Info("local state of another user cleared", zap.String("previous_owner", owner))
		reconciler.clearLocal()
	}

	reconciler.mu.Lock()
	reconciler.userID = userID
	reconciler.owner = userID
	reconciler.mu.Unlock()
	reconciler.logger.Info("user signed in", zap.String("user_id", userID))

	_, err := reconciler.Load(ctx)
	reconciler.ensureSubscription()
	return err
}

// HandleUserLogout forgets the signed-in user, clears local entities and resets sync flags.
func (reconciler *Reconciler) HandleUserLogout() {
	reconciler.authMu.Lock()
	defer reconciler.authMu.Unlock()
	reconciler.clearLocal()
	if reconciler.gate != nil {
		reconciler.gate.SignOut()
	}
	reconciler.logger.Info("user signed out")
}

func (reconciler *Reconciler) clearLocal() {
	reconciler.stopSubscription()
	reconciler.epoch.Add(1)
	reconciler.ledger.Reset()
	if reconciler.cache != nil {
		if err := reconciler.cache.Clear(); err != nil {
			reconciler.logger.Warn("clear local cache failed", zap.Error(err))
		}
	}
	reconciler.mu.Lock()
	reconciler.userID = ""
	reconciler.owner = ""
	reconciler.pendingSync = false
	reconciler.resetPending = false
	reconciler.mu.Unlock()
}

func (reconciler *Reconciler) cachedOwner() string {
	if reconciler.cache == nil {
		return ""
	}
	_, owner, _, err := reconciler.cache.Load()
	if err != nil {
		reconciler.logger.Warn("local cache unreadable", zap.Error(err))
		return ""
	}
	return owner
}
