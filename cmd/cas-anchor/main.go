// Copyright 2025 Ceramic Anchor Service
//
// cas-anchor runs the anchor pipeline out-of-process from the request
// API: a ready scheduler aggregates PENDING requests into READY
// batches and announces them, an anchor scheduler claims and anchors
// those batches, the pubsub responder answers peer tip queries, and a
// garbage collector periodically sweeps old completed/failed rows.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/anchor"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/carstore"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/chain"
	cascfg "github.com/ceramicnetwork/ceramic-anchor-service-go/internal/config"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/ipfsnode"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/obs"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/queue"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/scheduler"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := flag.String("config", "config.yaml", "path to the service configuration file")
	flag.Parse()

	cfg, err := cascfg.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	dbClient, err := store.NewClient(cfg.Database, store.WithLogger(log.New(log.Writer(), "[db] ", log.LstdFlags)))
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer dbClient.Close()

	if err := store.Migrate(context.Background(), dbClient.DB()); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	lock := store.NewAdvisoryLock(dbClient.DB(), cfg.Database.AdvisoryLockKey, cfg.Anchor.MutexRetryCount, cfg.Anchor.MutexRetryDelay.Duration())
	requests := store.NewRequestRepository(dbClient.DB(), lock, cfg.Anchor)
	anchors := store.NewAnchorRepository(dbClient.DB())
	metadataRepo := store.NewMetadataRepository(dbClient.DB())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gossipSub, err := ipfsnode.NewGossipSub(ctx)
	if err != nil {
		log.Fatalf("failed to start pubsub: %v", err)
	}
	defer gossipSub.Close()

	blocks := ipfsnode.NewKuboClient(http.DefaultClient, cfg.IPFS.APIURL)
	ipfsSvc, err := ipfsnode.New(blocks, gossipSub, anchors, cfg.IPFS)
	if err != nil {
		log.Fatalf("failed to build ipfs service: %v", err)
	}

	carStore, err := buildCarStore(ctx, cfg.CARStore)
	if err != nil {
		log.Fatalf("failed to build car store: %v", err)
	}

	chainClient, err := chain.NewClient(cfg.Chain)
	if err != nil {
		log.Fatalf("failed to connect to chain rpc: %v", err)
	}

	producer, err := buildEventProducer(ctx, cfg.Queue)
	if err != nil {
		log.Fatalf("failed to build event producer: %v", err)
	}

	anchorSvc := anchor.New(requests, anchors, carStore, chainClient, ipfsSvc, ipfsSvc, cfg.Anchor, obs.NopRecorder{})

	go func() {
		log.Printf("pubsub responder listening on %s", cfg.IPFS.PubSubTopic)
		if err := ipfsSvc.Listen(ctx); err != nil && ctx.Err() == nil {
			log.Printf("pubsub responder stopped: %v", err)
		}
	}()

	readyLogger := log.New(log.Writer(), "[ready] ", log.LstdFlags)
	readyScheduler := scheduler.New(cfg.Anchor.SchedulerInterval.Duration(), readyTask(requests, producer, cfg.Anchor, readyLogger), scheduler.WithLogger(readyLogger))
	readyScheduler.Start(ctx)
	defer readyScheduler.Stop()

	anchorLogger := log.New(log.Writer(), "[anchor] ", log.LstdFlags)
	anchorScheduler := scheduler.New(cfg.Anchor.SchedulerInterval.Duration(), anchorTask(anchorSvc, anchorLogger), scheduler.WithLogger(anchorLogger))
	anchorScheduler.Start(ctx)
	defer anchorScheduler.Stop()

	// The GC window (how old a row must be) and the sweep interval (how
	// often to check) are independent: default to hourly sweeps regardless
	// of how far back cfg.Anchor.GCWindow reaches.
	const gcSweepInterval = time.Hour
	gcLogger := log.New(log.Writer(), "[gc] ", log.LstdFlags)
	gcScheduler := scheduler.New(gcSweepInterval, gcTask(requests, metadataRepo, cfg.Anchor.GCWindow.Duration(), gcLogger), scheduler.WithLogger(gcLogger))
	gcScheduler.Start(ctx)
	defer gcScheduler.Stop()

	log.Printf("cas-anchor running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down cas-anchor...")
	cancel()
	readyScheduler.Stop()
	anchorScheduler.Stop()
	gcScheduler.Stop()
	log.Printf("cas-anchor stopped")
}

// readyTask aggregates PENDING requests into a READY batch and, when one
// forms, announces it on the configured event transport. The anchor
// scheduler in this process ticks on its own interval and claims READY
// rows whether or not the announcement succeeds.
func readyTask(requests *store.RequestRepository, producer queue.EventProducer, settings cascfg.AnchorSettings, logger *log.Logger) scheduler.Task {
	return func(ctx context.Context) (bool, error) {
		batch, err := requests.FindAndMarkReady(ctx, settings.StreamLimit, settings.MinStreamCount)
		if err != nil {
			return true, fmt.Errorf("failed to aggregate ready batch: %w", err)
		}
		if len(batch) == 0 {
			return true, nil
		}
		if err := producer.Emit(ctx, batch[0].ID.String()); err != nil {
			logger.Printf("failed to announce ready batch: %v", err)
		}
		return true, nil
	}
}

// anchorTask runs one anchor pipeline pass.
func anchorTask(anchorSvc *anchor.Service, logger *log.Logger) scheduler.Task {
	return func(ctx context.Context) (bool, error) {
		if err := anchorSvc.AnchorRequests(ctx); err != nil {
			return true, fmt.Errorf("anchor pass failed: %w", err)
		}
		return true, nil
	}
}

// gcTask removes COMPLETED/FAILED requests and unused genesis metadata
// past their retention windows.
func gcTask(requests *store.RequestRepository, metadataRepo *store.MetadataRepository, window time.Duration, logger *log.Logger) scheduler.Task {
	return func(ctx context.Context) (bool, error) {
		candidates, err := requests.FindRequestsToGarbageCollect(ctx, window)
		if err != nil {
			return true, fmt.Errorf("failed to find gc candidates: %w", err)
		}
		if len(candidates) > 0 {
			ids := make([]uuid.UUID, len(candidates))
			for i, c := range candidates {
				ids[i] = c.ID
			}
			if err := requests.DeleteGarbageCollected(ctx, ids); err != nil {
				return true, fmt.Errorf("failed to delete gc candidates: %w", err)
			}
			logger.Printf("garbage collected %d requests", len(ids))
		}
		if deleted, err := metadataRepo.DeleteUnused(ctx, window); err != nil {
			return true, fmt.Errorf("failed to delete unused metadata: %w", err)
		} else if deleted > 0 {
			logger.Printf("garbage collected %d metadata rows", deleted)
		}
		return true, nil
	}
}

// buildCarStore selects the Merkle CAR backend named by cfg.Backend.
func buildCarStore(ctx context.Context, cfg cascfg.CARStoreSettings) (carstore.Store, error) {
	if cfg.Backend == "s3" {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if cfg.S3Endpoint != "" {
				o.BaseEndpoint = &cfg.S3Endpoint
			}
		})
		return carstore.NewS3Store(client, cfg)
	}
	return carstore.NewMemoryStore(), nil
}

// buildEventProducer selects the ready-batch transport named by cfg.Kind.
func buildEventProducer(ctx context.Context, cfg cascfg.QueueSettings) (queue.EventProducer, error) {
	if cfg.Kind == "sqs" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg)
		return queue.NewSQSProducer(client, cfg.SQSQueueURL), nil
	}
	return queue.NewWebhookProducer(http.DefaultClient, cfg.WebhookURL), nil
}
