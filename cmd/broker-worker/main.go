// Package main runs the broker background worker: the sync, cleanup and
// expiry loops plus a daily stale purge, without the HTTP API.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	zapRaw "go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/skillpod/sandbox-broker/pkg/broker"
	brokerconfig "github.com/skillpod/sandbox-broker/pkg/broker/config"
	"github.com/skillpod/sandbox-broker/pkg/broker/logs"
	"github.com/skillpod/sandbox-broker/pkg/store/dynamo"
	"github.com/skillpod/sandbox-broker/pkg/upstream/csp"
)

func main() {
	var (
		tableName        string
		statusIndex      string
		idempotencyIndex string
		awsRegion        string
		dynamoEndpoint   string

		cspBaseURL  string
		cspAPIToken string

		labDurationHours   int
		gracePeriodMinutes int
		syncInterval       time.Duration
		cleanupInterval    time.Duration
		expiryInterval     time.Duration

		staleGraceHours  int
		stalePurgePeriod time.Duration
		enableStalePurge bool
	)

	pflag.StringVar(&tableName, "table-name", "SandboxPool", "DynamoDB table name")
	pflag.StringVar(&statusIndex, "status-index", "", "DynamoDB status GSI name (empty uses default)")
	pflag.StringVar(&idempotencyIndex, "idempotency-index", "", "DynamoDB idempotency GSI name (empty uses default)")
	pflag.StringVar(&awsRegion, "aws-region", "us-east-1", "AWS region")
	pflag.StringVar(&dynamoEndpoint, "dynamodb-endpoint", "", "DynamoDB endpoint override for local development")

	pflag.StringVar(&cspBaseURL, "csp-base-url", "", "Base URL of the cloud provider sandbox API (required)")
	pflag.StringVar(&cspAPIToken, "csp-api-token", "", "Bearer token for the cloud provider API")

	pflag.IntVar(&labDurationHours, "lab-duration-hours", brokerconfig.DefaultLabDurationHours, "Nominal lab session duration in hours")
	pflag.IntVar(&gracePeriodMinutes, "grace-period-minutes", brokerconfig.DefaultGracePeriodMinutes, "Grace period past lab duration before expiry")
	pflag.DurationVar(&syncInterval, "sync-interval", brokerconfig.DefaultSyncInterval, "Interval between upstream sync runs")
	pflag.DurationVar(&cleanupInterval, "cleanup-interval", brokerconfig.DefaultCleanupInterval, "Interval between deletion queue drains")
	pflag.DurationVar(&expiryInterval, "expiry-interval", brokerconfig.DefaultExpiryInterval, "Interval between orphan expiry sweeps")

	pflag.BoolVar(&enableStalePurge, "enable-stale-purge", true, "Run the daily stale record purge")
	pflag.IntVar(&staleGraceHours, "stale-grace-hours", brokerconfig.DefaultStaleGraceHours, "Age in hours before a stale record is purged")
	pflag.DurationVar(&stalePurgePeriod, "stale-purge-period", 24*time.Hour, "Interval between stale purges")

	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	zapLogger, err := zapRaw.NewProduction()
	if err != nil {
		klog.Fatalf("Failed to build logger: %v", err)
	}
	klog.SetLogger(zapr.NewLogger(zapLogger))

	if cspBaseURL == "" {
		klog.Fatalf("--csp-base-url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := dynamo.NewClient(ctx, dynamo.ClientConfig{
		Region:      awsRegion,
		EndpointURL: dynamoEndpoint,
	})
	if err != nil {
		klog.Fatalf("Failed to initialize DynamoDB client: %v", err)
	}
	st := dynamo.New(client, dynamo.Config{
		TableName:        tableName,
		StatusIndex:      statusIndex,
		IdempotencyIndex: idempotencyIndex,
	})

	upstreamClient := csp.NewClient(csp.Config{
		BaseURL:  cspBaseURL,
		APIToken: cspAPIToken,
	})

	b := broker.New(st, upstreamClient, brokerconfig.Options{
		LabDurationHours:   labDurationHours,
		GracePeriodMinutes: gracePeriodMinutes,
		SyncInterval:       syncInterval,
		CleanupInterval:    cleanupInterval,
		ExpiryInterval:     expiryInterval,
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return b.RunLoops(ctx)
	})
	if enableStalePurge {
		group.Go(func() error {
			return runStalePurge(ctx, b, stalePurgePeriod, time.Duration(staleGraceHours)*time.Hour)
		})
	}

	klog.Info("Broker worker started")
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		klog.Fatalf("Worker exited: %v", err)
	}
	klog.Info("Broker worker stopped")
}

func runStalePurge(ctx context.Context, b *broker.Broker, period, grace time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		purgeCtx := logs.Derive(ctx, "loop", "stale-purge")
		result, err := b.AutoDeleteStale(purgeCtx, grace)
		if err != nil && ctx.Err() == nil {
			klog.FromContext(purgeCtx).Error(err, "stale purge failed")
			continue
		}
		klog.FromContext(purgeCtx).Info("stale purge complete",
			"deleted", result.Deleted, "failed", result.Failed)
	}
}
