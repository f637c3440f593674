// Copyright 2025 Ceramic Anchor Service
//
// cas-api serves the request lifecycle HTTP surface: clients submit
// anchor requests and poll them here. The scheduled anchor pipeline runs
// in cas-anchor; this process only runs an anchor pass in-process when
// POST /api/v0/anchors is called.

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

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/anchor"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/api"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/carstore"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/chain"
	cascfg "github.com/ceramicnetwork/ceramic-anchor-service-go/internal/config"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/ipfsnode"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/metadata"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/obs"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/store"
	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/witness"
	"github.com/ipfs/go-cid"
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

	lock := store.NewAdvisoryLock(dbClient.DB(), cfg.Database.AdvisoryLockKey, 3, 200*time.Millisecond)
	requests := store.NewRequestRepository(dbClient.DB(), lock, cfg.Anchor)
	anchors := store.NewAnchorRepository(dbClient.DB())
	metadataRepo := store.NewMetadataRepository(dbClient.DB())

	pubsubCtx, cancelPubSub := context.WithCancel(context.Background())
	defer cancelPubSub()
	gossipSub, err := ipfsnode.NewGossipSub(pubsubCtx)
	if err != nil {
		log.Fatalf("failed to start pubsub: %v", err)
	}
	defer gossipSub.Close()

	blocks := ipfsnode.NewKuboClient(http.DefaultClient, cfg.IPFS.APIURL)
	ipfsSvc, err := ipfsnode.New(blocks, gossipSub, anchors, cfg.IPFS)
	if err != nil {
		log.Fatalf("failed to build ipfs service: %v", err)
	}

	metadataSvc := metadata.New(ipfsSvc, metadataRepo)

	carStore, err := buildCarStore(context.Background(), cfg.CARStore)
	if err != nil {
		log.Fatalf("failed to build car store: %v", err)
	}

	chainClient, err := chain.NewClient(cfg.Chain)
	if err != nil {
		log.Fatalf("failed to connect to chain rpc: %v", err)
	}

	anchorSvc := anchor.New(requests, anchors, carStore, chainClient, ipfsSvc, ipfsSvc, cfg.Anchor, obs.NopRecorder{})

	controller, err := api.New(requests, anchors, metadataSvc, carStore, ipfsSvc, witnessBuilderFunc(witness.Build), anchorSvc, supportedChains(cfg.Chain), log.New(log.Writer(), "[api] ", log.LstdFlags))
	if err != nil {
		log.Fatalf("failed to build request controller: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: controller.Routes(),
	}

	go func() {
		log.Printf("cas-api listening on %s", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down cas-api...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	log.Printf("cas-api stopped")
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

// supportedChains names the CAIP-2 chain the configured anchor contract
// lives on. Only one chain is configured today, but the API surface
// models this as a list so a future multi-chain deployment needs no
// shape change.
func supportedChains(cfg cascfg.ChainSettings) []string {
	return []string{fmt.Sprintf("eip155:%d", cfg.ChainID)}
}

// witnessBuilderFunc adapts the package-level witness.Build function to
// the api.WitnessBuilder interface.
type witnessBuilderFunc func(cid.Cid, []byte) ([]byte, error)

func (f witnessBuilderFunc) Build(anchorCommitCID cid.Cid, merkleCAR []byte) ([]byte, error) {
	return f(anchorCommitCID, merkleCAR)
}
