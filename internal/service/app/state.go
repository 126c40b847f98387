package app

import (
	"context"
	"time"

	"incognito_chat/internal/protocol/identity"
	"incognito_chat/internal/service/backup"
	"incognito_chat/internal/service/relay"
	"incognito_chat/internal/utils/log"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// save persists the store and schedules a backup publish.
func (a *App) save() {
	a.persist()
	a.scheduleBackup()
}

func (a *App) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.repo.Save(ctx, a.store); err != nil {
		log.Error("save state failed", zap.Error(err))
	}
}

func (a *App) scheduleBackup() {
	if a.backupTimer != nil {
		a.backupTimer.Stop()
	}
	var timer *time.Timer
	timer = a.after(a.cfg.Backup.Debounce.Duration, func() {
		if a.backupTimer != timer {
			return
		}
		a.backupTimer = nil
		if err := a.publishBackup(); err != nil {
			log.Warn("backup publish deferred", zap.Error(err))
		}
	})
	a.backupTimer = timer
}

// publishBackup seals the store to ourselves. Without an open relay the
// publish is remembered for the next connection.
func (a *App) publishBackup() error {
	if len(a.relays.Connected()) == 0 {
		a.backupDue = true
		return relay.ErrNoRelays
	}

	now := a.now()
	snap := backup.BuildSnapshot(a.store, now)
	ev, err := backup.Seal(snap, a.signer.PrivateKey(), now)
	if err != nil {
		return err
	}
	_, sent, err := a.relays.Publish(ev)
	if err != nil {
		a.backupDue = true
		return err
	}
	a.backupDue = false
	log.Info("backup published", zap.Int("conversations", len(snap.Conversations)), zap.Strings("relays", sent))
	return nil
}

func (a *App) handleBackup(ev *nostr.Event) {
	if ev.PubKey != a.self.Hex() {
		return
	}
	snap, err := backup.Open(ev, a.signer.PrivateKey())
	if err != nil {
		log.Warn("ignoring backup", zap.String("id", ev.ID), zap.Error(err))
		return
	}

	res, err := backup.Merge(a.store, snap, a.self)
	if err != nil {
		log.Error("merge backup failed", zap.Error(err))
		return
	}
	if res.SeedRestored {
		deriver, err := identity.NewDeriver(a.store.Seed)
		if err != nil {
			log.Error("restored seed unusable", zap.Error(err))
			return
		}
		a.deriver = deriver
	}
	if !res.SeedRestored && res.Restored == 0 && !res.ProfileUpdated {
		return
	}

	log.Info("backup merged",
		zap.Bool("seed_restored", res.SeedRestored),
		zap.Int("restored", res.Restored),
		zap.Int("skipped", res.Skipped),
		zap.Bool("profile_updated", res.ProfileUpdated),
	)
	for _, rec := range a.store.Conversations() {
		a.timelineFor(rec.Recipient)
	}
	a.save()
	a.resubscribe()
	a.retryPending()
	a.notifyConversations()
	if res.ProfileUpdated && a.store.Profile != nil {
		a.display.ProfileUpdated(a.self, *a.store.Profile)
	}
}
