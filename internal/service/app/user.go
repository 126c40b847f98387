package app

import (
	"context"
	"crypto/rand"
	"fmt"

	"incognito_chat/internal/cryptographic/signature"
	"incognito_chat/internal/model"
	"incognito_chat/internal/repository/state"
	"incognito_chat/internal/utils/log"

	"go.uber.org/zap"
)

func getSignerAndCreateIfNotExist(ctx context.Context, repo *state.Repo) (*signature.LocalSigner, error) {
	priv, ok, err := repo.LoadIdentity(ctx)
	if err != nil {
		return nil, err
	}

	if ok {
		return signature.NewLocalSigner(priv)
	}

	signer, err := signature.GenerateSigner()
	if err != nil {
		return nil, err
	}

	if err := repo.SaveIdentity(ctx, signer.PrivateKey()); err != nil {
		return nil, err
	}

	log.Info("generated long-term identity", log.Pubkey("pubkey", signer.PublicKey().Hex()))
	return signer, nil
}

// getStateAndCreateIfNotExist loads the conversation store, running the
// schema migration once, or creates an empty store with a fresh seed.
func getStateAndCreateIfNotExist(ctx context.Context, repo *state.Repo, self model.Key) (*state.Store, error) {
	store, migrated, err := repo.Load(ctx, self)
	if err != nil {
		return nil, err
	}

	if store != nil && store.Seed.IsZero() {
		if store.Len() > 0 {
			return nil, ErrMissingSeed
		}
		if store.Seed, err = newSeed(); err != nil {
			return nil, err
		}
		migrated = true
	}

	if store != nil {
		if migrated {
			log.Info("conversation state migrated", zap.Int("schema", state.SchemaVersion))
			if err := repo.Save(ctx, store); err != nil {
				return nil, err
			}
		}
		return store, nil
	}

	seed, err := newSeed()
	if err != nil {
		return nil, err
	}

	store = state.New(seed)
	if err := repo.Save(ctx, store); err != nil {
		return nil, err
	}
	return store, nil
}

func newSeed() (model.Key, error) {
	var seed model.Key
	if _, err := rand.Read(seed[:]); err != nil {
		return seed, fmt.Errorf("generate seed: %w", err)
	}
	return seed, nil
}
