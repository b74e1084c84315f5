// Command cascade runs a single cascade definition to completion and
// prints its final output. It wires together the in-process defaults for
// every collaborator runtime/cascaderunner.Runner needs (memory session
// store, in-process tool cache, no-op telemetry) and swaps in durable
// backends (Mongo, Redis, Pulse) when the corresponding flags are set, and
// runs the cascade as a durable Temporal workflow instead of in-process
// when -temporal-host-port is set. Grounded on cmd/demo/main.go's
// "construct → register → run → print"
// wiring style in the teacher, generalized from a single stub agent to a
// full cascade runner with pluggable model providers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.temporal.io/sdk/client"

	"goa.design/cascade/features/bus/pulse/clients/pulse"
	bridgepulse "goa.design/cascade/features/bus/pulse"
	"goa.design/cascade/features/cache/redis"
	"goa.design/cascade/features/engine/temporal"
	"goa.design/cascade/features/model/anthropic"
	"goa.design/cascade/features/model/bedrock"
	"goa.design/cascade/features/model/middleware"
	"goa.design/cascade/features/model/openai"
	storemongo "goa.design/cascade/features/store/mongo"
	clientsmongo "goa.design/cascade/features/store/mongo/clients/mongo"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/cascaderunner"
	"goa.design/cascade/runtime/checkpoint"
	"goa.design/cascade/runtime/engine"
	"goa.design/cascade/runtime/eventbus"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/session"
	"goa.design/cascade/runtime/telemetry"
	"goa.design/cascade/runtime/toolcache"
	"goa.design/cascade/runtime/tools"
	"goa.design/cascade/runtime/unifiedlog"
)

func main() {
	var (
		cascadePath      = flag.String("cascade", "", "path to the cascade YAML/JSON definition (required)")
		inputsJSON       = flag.String("inputs", "{}", "JSON object of top-level cascade inputs")
		provider         = flag.String("provider", "anthropic", "model provider: anthropic | openai | bedrock")
		modelName        = flag.String("model", "", "default model id; overrides the provider adapter's built-in default")
		maxTPM           = flag.Float64("max-tpm", 60000, "adaptive rate limiter initial tokens-per-minute budget")
		clue             = flag.Bool("clue", false, "use goa.design/clue-backed telemetry instead of the no-op default")
		mongoURI         = flag.String("mongo-uri", "", "Mongo connection URI; enables durable session/log storage when set")
		mongoDB          = flag.String("mongo-db", "cascade", "Mongo database name")
		redisAddr        = flag.String("redis-addr", "", "Redis address; enables the distributed tool cache when set")
		pulseAddr        = flag.String("pulse-redis-addr", "", "Redis address for Pulse-backed event bus fan-out; enables cross-process event forwarding when set")
		temporalHostPort = flag.String("temporal-host-port", "", "Temporal server host:port; runs the cascade as a durable Temporal workflow when set, instead of in-process")
		temporalQueue    = flag.String("temporal-task-queue", "cascade", "Temporal task queue for the cascade workflow/activities")
	)
	flag.Parse()

	if *cascadePath == "" {
		fmt.Fprintln(os.Stderr, "usage: cascade -cascade path/to/cascade.yaml [flags]")
		os.Exit(2)
	}

	ctx := context.Background()

	var inputs map[string]any
	if err := json.Unmarshal([]byte(*inputsJSON), &inputs); err != nil {
		log.Fatalf("parse -inputs: %v", err)
	}

	c, err := cascade.Load(*cascadePath)
	if err != nil {
		log.Fatalf("load cascade: %v", err)
	}

	telem := telemetry.Noop()
	if *clue {
		telem = telemetry.Bundle{
			Log:     telemetry.NewClueLogger(),
			Metrics: telemetry.NewClueMetrics(),
			Tracer:  telemetry.NewClueTracer(),
		}
	}

	agent, err := buildAgent(ctx, *provider, *modelName)
	if err != nil {
		log.Fatalf("build model agent: %v", err)
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", *maxTPM, *maxTPM)
	agent = limiter.Middleware()(agent)

	sessions, logStore, err := buildStores(ctx, *mongoURI, *mongoDB)
	if err != nil {
		log.Fatalf("build stores: %v", err)
	}

	cache, err := buildToolCache(*redisAddr)
	if err != nil {
		log.Fatalf("build tool cache: %v", err)
	}

	bus := eventbus.New(telem.Log)
	if *pulseAddr != "" {
		if err := bridgePulse(ctx, *pulseAddr, bus); err != nil {
			log.Fatalf("bridge pulse event bus: %v", err)
		}
	}

	ulog := unifiedlog.New(logStore, bus, telem.Log, unifiedlog.Config{})
	stop := ulog.Start(ctx, noCostLookup{})
	defer stop()

	runner := cascaderunner.New(cascaderunner.Runner{
		Agent:       agent,
		Tools:       tools.NewRegistry(),
		ToolCache:   cache,
		Checkpoints: checkpoint.NewManager(nil),
		Sessions:    sessions,
		Log:         ulog,
		Bus:         bus,
		Telemetry:   telem,
	})

	var sessionID, status, output string
	if *temporalHostPort != "" {
		eng, closeEngine, err := buildTemporalEngine(*temporalHostPort, *temporalQueue, telem)
		if err != nil {
			log.Fatalf("build temporal engine: %v", err)
		}
		defer closeEngine()
		if err := cascaderunner.RegisterDurable(ctx, eng, runner); err != nil {
			log.Fatalf("register durable cascade workflow: %v", err)
		}
		res, err := cascaderunner.RunDurable(ctx, eng, *cascadePath, cascaderunner.Options{Inputs: inputs})
		if err != nil {
			log.Fatalf("run durable cascade: %v", err)
		}
		sessionID, status, output = res.SessionID, res.Status, res.Output
	} else {
		res, err := runner.Run(ctx, c, cascaderunner.Options{Inputs: inputs})
		if err != nil {
			log.Fatalf("run cascade: %v", err)
		}
		sessionID, status, output = res.SessionID, string(res.Status), res.Output
	}

	ulog.Flush(ctx, noCostLookup{})

	fmt.Println("session:", sessionID)
	fmt.Println("status:", status)
	fmt.Println("output:")
	fmt.Println(output)
}

// buildTemporalEngine constructs a features/engine/temporal.Engine talking
// to hostPort, returning a teardown func that closes its Temporal client.
func buildTemporalEngine(hostPort, taskQueue string, telem telemetry.Bundle) (engine.Engine, func(), error) {
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{HostPort: hostPort},
		WorkerOptions: temporal.WorkerOptions{TaskQueue: taskQueue},
		Logger:        telem.Log,
		Metrics:       telem.Metrics,
		Tracer:        telem.Tracer,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, func() {
		if cerr := eng.Close(); cerr != nil {
			log.Printf("close temporal engine: %v", cerr)
		}
	}, nil
}

// buildAgent constructs the model.Agent for the named provider from
// environment-variable credentials, mirroring each adapter's own
// NewFromAPIKey/SDK-default-credential-chain convention rather than
// inventing a bespoke credential flag per provider.
func buildAgent(ctx context.Context, provider, modelName string) (model.Agent, error) {
	switch strings.ToLower(provider) {
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for -provider=anthropic")
		}
		opts := anthropic.Options{DefaultModel: modelName, MaxTokens: 4096}
		if opts.DefaultModel == "" {
			opts.DefaultModel = "claude-sonnet-4-5"
		}
		return anthropic.NewFromAPIKey(apiKey, opts)
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for -provider=openai")
		}
		if modelName == "" {
			modelName = "gpt-4o"
		}
		return openai.NewFromAPIKey(apiKey, modelName)
	case "bedrock":
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		rt := bedrockruntime.NewFromConfig(cfg)
		opts := bedrock.Options{DefaultModel: modelName}
		if opts.DefaultModel == "" {
			opts.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
		}
		return bedrock.New(rt, opts)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// buildStores returns the session and unified-log stores, backed by Mongo
// when mongoURI is set and by the in-process defaults otherwise.
func buildStores(ctx context.Context, mongoURI, mongoDB string) (session.Store, unifiedlog.Store, error) {
	if mongoURI == "" {
		return session.NewMemoryStore(), unifiedlog.NewMemoryStore(), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mc, err := mongodriver.Connect(options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := mc.Ping(connectCtx, nil); err != nil {
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: mongoDB})
	if err != nil {
		return nil, nil, fmt.Errorf("build mongo client: %w", err)
	}
	sessions, err := storemongo.NewSessionStore(client)
	if err != nil {
		return nil, nil, fmt.Errorf("build mongo session store: %w", err)
	}
	rows, err := storemongo.NewLogStore(client)
	if err != nil {
		return nil, nil, fmt.Errorf("build mongo log store: %w", err)
	}
	return sessions, rows, nil
}

// buildToolCache returns a Redis-backed toolcache.Interface when
// redisAddr is set and an in-process one otherwise.
func buildToolCache(redisAddr string) (toolcache.Interface, error) {
	if redisAddr == "" {
		return toolcache.New(toolcache.Config{Enabled: true, MaxCacheSize: 1000}), nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	return redis.New(redis.Options{
		Client: client,
		Config: toolcache.Config{Enabled: true},
		Prefix: "cascade:toolcache:",
	}), nil
}

// bridgePulse republishes local event bus events onto a Pulse stream so a
// separately-running UI or observability process can subscribe to
// cascade progress without sharing this process's memory.
func bridgePulse(ctx context.Context, redisAddr string, bus *eventbus.Bus) error {
	client, err := pulse.New(pulse.Options{Redis: goredis.NewClient(&goredis.Options{Addr: redisAddr})})
	if err != nil {
		return fmt.Errorf("build pulse client: %w", err)
	}
	transport, err := bridgepulse.NewTransport(bridgepulse.TransportOptions{Client: client})
	if err != nil {
		return fmt.Errorf("build pulse transport: %w", err)
	}
	go transport.Publisher().Forward(ctx, bus)
	return nil
}

// noCostLookup is an honest no-op CostLookup: this binary wires no
// provider billing API, so every pending row ages out through
// unifiedlog.Config's MaxWait and flushes without cost attribution rather
// than fabricating one.
type noCostLookup struct{}

func (noCostLookup) LookupCost(context.Context, string) (cost float64, tokensIn, tokensOut int, provider string, ok bool, err error) {
	return 0, 0, 0, "", false, nil
}
