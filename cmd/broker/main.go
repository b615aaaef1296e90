// Package main runs the sandbox broker API server.
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
	"k8s.io/klog/v2"

	"github.com/skillpod/sandbox-broker/pkg/broker"
	brokerconfig "github.com/skillpod/sandbox-broker/pkg/broker/config"
	"github.com/skillpod/sandbox-broker/pkg/server"
	"github.com/skillpod/sandbox-broker/pkg/store"
	"github.com/skillpod/sandbox-broker/pkg/store/dynamo"
	"github.com/skillpod/sandbox-broker/pkg/store/memory"
	"github.com/skillpod/sandbox-broker/pkg/upstream/csp"
)

func main() {
	var (
		listenAddr string
		apiToken   string
		adminToken string

		storeBackend     string
		tableName        string
		statusIndex      string
		idempotencyIndex string
		awsRegion        string
		dynamoEndpoint   string

		cspBaseURL        string
		cspAPIToken       string
		cspConnectTimeout time.Duration
		cspReadTimeout    time.Duration

		labDurationHours   int
		gracePeriodMinutes int
		candidates         int

		rateLimitRPS   float64
		rateLimitBurst int

		enableJobs bool
	)

	pflag.StringVar(&listenAddr, "listen-addr", ":8080", "Address the HTTP server listens on")
	pflag.StringVar(&apiToken, "api-token", "", "Bearer token for the client API (empty disables auth)")
	pflag.StringVar(&adminToken, "admin-token", "", "Bearer token for the admin API (empty disables auth)")

	pflag.StringVar(&storeBackend, "store", "dynamodb", "Store backend: dynamodb or memory")
	pflag.StringVar(&tableName, "table-name", "SandboxPool", "DynamoDB table name")
	pflag.StringVar(&statusIndex, "status-index", "", "DynamoDB status GSI name (empty uses default)")
	pflag.StringVar(&idempotencyIndex, "idempotency-index", "", "DynamoDB idempotency GSI name (empty uses default)")
	pflag.StringVar(&awsRegion, "aws-region", "us-east-1", "AWS region")
	pflag.StringVar(&dynamoEndpoint, "dynamodb-endpoint", "", "DynamoDB endpoint override for local development")

	pflag.StringVar(&cspBaseURL, "csp-base-url", "", "Base URL of the cloud provider sandbox API (required)")
	pflag.StringVar(&cspAPIToken, "csp-api-token", "", "Bearer token for the cloud provider API")
	pflag.DurationVar(&cspConnectTimeout, "csp-connect-timeout", csp.DefaultConnectTimeout, "Connect timeout for cloud provider calls")
	pflag.DurationVar(&cspReadTimeout, "csp-read-timeout", csp.DefaultReadTimeout, "Read timeout for cloud provider calls")

	pflag.IntVar(&labDurationHours, "lab-duration-hours", brokerconfig.DefaultLabDurationHours, "Nominal lab session duration in hours")
	pflag.IntVar(&gracePeriodMinutes, "grace-period-minutes", brokerconfig.DefaultGracePeriodMinutes, "Grace period past lab duration before expiry")
	pflag.IntVar(&candidates, "allocation-candidates", brokerconfig.DefaultCandidates, "Number of candidates fetched per allocation attempt")

	pflag.Float64Var(&rateLimitRPS, "rate-limit-rps", 10, "Sustained requests per second per client")
	pflag.IntVar(&rateLimitBurst, "rate-limit-burst", 20, "Burst size per client")

	pflag.BoolVar(&enableJobs, "enable-jobs", false, "Run the sync/cleanup/expiry loops in this process")

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

	var st store.Store
	switch storeBackend {
	case "memory":
		klog.Info("Using in-memory store; records do not survive restarts")
		st = memory.New()
	case "dynamodb":
		client, err := dynamo.NewClient(ctx, dynamo.ClientConfig{
			Region:      awsRegion,
			EndpointURL: dynamoEndpoint,
		})
		if err != nil {
			klog.Fatalf("Failed to initialize DynamoDB client: %v", err)
		}
		st = dynamo.New(client, dynamo.Config{
			TableName:        tableName,
			StatusIndex:      statusIndex,
			IdempotencyIndex: idempotencyIndex,
		})
	default:
		klog.Fatalf("Unknown store backend %q", storeBackend)
	}

	upstreamClient := csp.NewClient(csp.Config{
		BaseURL:        cspBaseURL,
		APIToken:       cspAPIToken,
		ConnectTimeout: cspConnectTimeout,
		ReadTimeout:    cspReadTimeout,
	})

	b := broker.New(st, upstreamClient, brokerconfig.Options{
		LabDurationHours:   labDurationHours,
		GracePeriodMinutes: gracePeriodMinutes,
		Candidates:         candidates,
	})

	if enableJobs {
		go func() {
			if err := b.RunLoops(ctx); err != nil && ctx.Err() == nil {
				klog.Errorf("Background loops stopped: %v", err)
			}
		}()
	}

	srv := server.NewHttpServer(b, server.Config{
		ListenAddr:     listenAddr,
		APIToken:       apiToken,
		AdminToken:     adminToken,
		RateLimitRPS:   rateLimitRPS,
		RateLimitBurst: rateLimitBurst,
	})
	if err := srv.Run(ctx); err != nil {
		klog.Fatalf("Server exited: %v", err)
	}
	klog.Info("Broker stopped")
}
