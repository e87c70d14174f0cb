package app

import (
	"context"
	"fmt"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/bus"
	memorybus "github.com/JakeFAU/crawlgrid/internal/bus/memory"
	pubsubbus "github.com/JakeFAU/crawlgrid/internal/bus/pubsub"
	redisbus "github.com/JakeFAU/crawlgrid/internal/bus/redis"
	memorycluster "github.com/JakeFAU/crawlgrid/internal/cluster/memory"
	rediscluster "github.com/JakeFAU/crawlgrid/internal/cluster/redis"
	"github.com/JakeFAU/crawlgrid/internal/config"
	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/storage/gcs"
	"github.com/JakeFAU/crawlgrid/internal/storage/local"
	"github.com/JakeFAU/crawlgrid/internal/storage/memory"
	"github.com/JakeFAU/crawlgrid/internal/storage/postgres"
	redisstore "github.com/JakeFAU/crawlgrid/internal/storage/redis"
	"github.com/JakeFAU/crawlgrid/internal/store"
	"github.com/JakeFAU/crawlgrid/internal/tasks"
)

// clusterNode is one node's view of membership and election.
type clusterNode interface {
	grid.Elector
	grid.Membership
}

func (a *App) redisClient() *redis.Client {
	if a.rdb == nil {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.onClose(func(context.Context) error { return a.rdb.Close() })
		a.ready = append(a.ready, func(ctx context.Context) error {
			if err := a.rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("ping redis: %w", err)
			}
			return nil
		})
	}
	return a.rdb
}

func (a *App) pgPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	p, err := postgres.Connect(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, p); err != nil {
		p.Close()
		return nil, err
	}
	a.pool = p
	a.onClose(func(context.Context) error {
		p.Close()
		return nil
	})
	a.ready = append(a.ready, func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		return nil
	})
	return p, nil
}

func (a *App) gcsClient(ctx context.Context) (*gcsstorage.Client, error) {
	if a.gcs != nil {
		return a.gcs, nil
	}
	client, err := gcsstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gcs client: %w", err)
	}
	a.gcs = client
	a.onClose(func(context.Context) error { return client.Close() })
	return client, nil
}

func (a *App) newCluster() (clusterNode, error) {
	switch a.cfg.Cluster.Provider {
	case config.ProviderRedis:
		a.logger.Info("using redis cluster membership", zap.String("addr", a.cfg.Redis.Addr))
		node, err := rediscluster.New(a.redisClient(), rediscluster.Config{
			NodeID:            a.cfg.Node.ID,
			Prefix:            a.cfg.Redis.Prefix,
			HeartbeatInterval: a.cfg.Grid.HeartbeatInterval,
			MemberTTL:         a.cfg.Grid.MemberTTL,
		}, a.logger.Named("cluster"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cluster: %w", err)
		}
		a.heartbeat = node.Run
		return node, nil
	case config.ProviderMemory:
		a.logger.Info("using single-node in-memory cluster")
		return memorycluster.NewCluster(a.cfg.Node.ID).Join(a.cfg.Node.ID), nil
	default:
		return nil, fmt.Errorf("unknown cluster provider: %s", a.cfg.Cluster.Provider)
	}
}

func (a *App) newBus(ctx context.Context) (bus.Bus, error) {
	switch a.cfg.Bus.Provider {
	case config.ProviderRedis:
		a.logger.Info("using redis bus", zap.String("channel", a.cfg.Bus.Channel))
		return redisbus.New(a.redisClient(), a.cfg.Bus.Channel, a.logger), nil
	case config.ProviderPubSub:
		// every node needs its own subscription to see every message
		sub := fmt.Sprintf("%s-%s", a.cfg.Bus.Subscription, a.cfg.Node.ID)
		a.logger.Info("using pubsub bus", zap.String("topic", a.cfg.Bus.Topic), zap.String("subscription", sub))
		b, err := pubsubbus.Open(ctx, pubsubbus.Config{
			ProjectID:    a.cfg.Bus.ProjectID,
			Topic:        a.cfg.Bus.Topic,
			Subscription: sub,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bus: %w", err)
		}
		return b, nil
	case config.ProviderMemory:
		return memorybus.NewNetwork(256).Join(), nil
	default:
		return nil, fmt.Errorf("unknown bus provider: %s", a.cfg.Bus.Provider)
	}
}

func (a *App) newStageStore(ctx context.Context) (grid.StageStore, error) {
	switch a.cfg.Storage.Provider {
	case config.ProviderRedis:
		s, err := redisstore.NewStageStore(a.redisClient(), a.cfg.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return s, nil
	case config.ProviderPostgres:
		p, err := a.pgPool(ctx)
		if err != nil {
			return nil, err
		}
		s, err := postgres.NewStageStore(p)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return s, nil
	case config.ProviderGCS:
		client, err := a.gcsClient(ctx)
		if err != nil {
			return nil, err
		}
		s, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.Bucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return s, nil
	case config.ProviderMemory:
		a.logger.Warn("using in-memory stage store; stage pointers will not survive a restart")
		return memory.NewStageStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
}

// newRunStore keeps run history in Postgres whenever a DSN is configured.
func (a *App) newRunStore(ctx context.Context) (store.RunRepository, error) {
	if a.cfg.DB.DSN == "" {
		return memory.NewRunStore(), nil
	}
	p, err := a.pgPool(ctx)
	if err != nil {
		return nil, err
	}
	s, err := postgres.NewRunStore(p)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize run store: %w", err)
	}
	return s, nil
}

func (a *App) newBlobStore(ctx context.Context) (tasks.BlobStore, error) {
	switch a.cfg.Blob.Provider {
	case config.ProviderLocal:
		s, err := local.New(local.Config{BaseDir: a.cfg.Blob.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize blob store: %w", err)
		}
		return s, nil
	case config.ProviderGCS:
		client, err := a.gcsClient(ctx)
		if err != nil {
			return nil, err
		}
		s, err := gcs.NewBlobStore(client, a.cfg.Blob.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize blob store: %w", err)
		}
		return s, nil
	case config.ProviderMemory:
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob provider: %s", a.cfg.Blob.Provider)
	}
}
