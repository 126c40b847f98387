package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"incognito_chat/internal/config"
	"incognito_chat/internal/metrics"
	"incognito_chat/internal/repository/kv"
	"incognito_chat/internal/utils/log"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// openStore returns the configured state backend and its release func.
func openStore(ctx context.Context, cfg config.Storage) (kv.Store, func(), error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return kv.NewMemoryStore(), func() {}, nil
	case config.StorageMongo:
		client, err := initMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		store := kv.NewMongoStore(client.Database(cfg.MongoDatabase))
		return store, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				log.Warn("mongo disconnect failed", zap.Error(err))
			}
		}, nil
	default:
		store, err := kv.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn("bolt close failed", zap.Error(err))
			}
		}, nil
	}
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

func serveMetrics(ctx context.Context, addr string) {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", zap.Error(err))
	}
}
