// Command simple runs the two-phase blog-post cascade in this directory
// against an in-memory runtime, demonstrating how a host process
// registers a Go-native validator before loading a cascade file. It is a
// companion to cmd/cascade: that binary covers the generic provider/store
// wiring, this one shows the NativeValidators registration path a
// production caller would also use.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"goa.design/cascade/features/model/anthropic"
	"goa.design/cascade/features/model/middleware"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/cascaderunner"
	"goa.design/cascade/runtime/checkpoint"
	"goa.design/cascade/runtime/eventbus"
	"goa.design/cascade/runtime/session"
	"goa.design/cascade/runtime/telemetry"
	"goa.design/cascade/runtime/tools"
	"goa.design/cascade/runtime/unifiedlog"
	"goa.design/cascade/runtime/validator"
)

func main() {
	topic := flag.String("topic", "why structured logging matters", "blog post topic")
	flag.Parse()

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Fatal("ANTHROPIC_API_KEY must be set to run this example")
	}

	ctx := context.Background()

	agentClient, err := anthropic.NewFromAPIKey(apiKey, anthropic.Options{
		DefaultModel: "claude-sonnet-4-5",
		MaxTokens:    2048,
	})
	if err != nil {
		log.Fatalf("build anthropic client: %v", err)
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", 60000, 60000)
	agent := limiter.Middleware()(agentClient)

	bus := eventbus.New(telemetry.NewNoopLogger())
	ulog := unifiedlog.New(unifiedlog.NewMemoryStore(), bus, telemetry.NewNoopLogger(), unifiedlog.Config{})
	stop := ulog.Start(ctx, noCostLookup{})
	defer stop()

	runner := cascaderunner.New(cascaderunner.Runner{
		Agent:       agent,
		Tools:       tools.NewRegistry(),
		ToolCache:   nil,
		Checkpoints: checkpoint.NewManager(nil),
		Sessions:    session.NewMemoryStore(),
		Log:         ulog,
		Bus:         bus,
		Telemetry:   telemetry.Noop(),
		NativeValidators: map[string]validator.Func{
			"non_empty": nonEmptyValidator,
		},
	})

	c, err := cascade.Load("cascade.yaml")
	if err != nil {
		log.Fatalf("load cascade: %v", err)
	}

	result, err := runner.Run(ctx, c, cascaderunner.Options{
		Inputs: map[string]any{"topic": *topic},
	})
	if err != nil {
		log.Fatalf("run cascade: %v", err)
	}

	ulog.Flush(ctx, noCostLookup{})

	fmt.Println("status:", result.Status)
	fmt.Println()
	fmt.Println(result.Output)
}

// nonEmptyValidator rejects blank or whitespace-only phase output,
// matching the cascade.yaml "non_empty" validator ref.
func nonEmptyValidator(_ context.Context, content string) (validator.Result, error) {
	if strings.TrimSpace(content) == "" {
		return validator.Result{Valid: false, Reason: "phase output is empty"}, nil
	}
	return validator.Result{Valid: true}, nil
}

type noCostLookup struct{}

func (noCostLookup) LookupCost(context.Context, string) (cost float64, tokensIn, tokensOut int, provider string, ok bool, err error) {
	return 0, 0, 0, "", false, nil
}
