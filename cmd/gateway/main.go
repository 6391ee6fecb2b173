// Command gateway runs the PML tool-calling gateway: it dials the
// configured child tool servers, serves the pml:discover/pml:execute/
// pml:abort/pml:replan method table plus tools/list and tools/call, and
// persists in-flight workflow state to Redis. A pending approval is held by
// the running process: continue_workflow cannot resume a paused workflow
// after a process restart.
//
// # Configuration
//
// A YAML file (-config) plus environment variable overrides, following the
// same convention the tool registry command uses:
//
//	GATEWAY_HTTP_ADDR      - HTTP listen address (default: ":8090")
//	GATEWAY_STDIO          - serve the JSON-RPC method table over stdio too (default: false)
//	REDIS_URL              - Redis connection string for workflow state (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	WORKFLOW_TTL           - workflow state TTL (default: "1h")
//	CAPABILITY_DB_PATH     - bbolt path for the learned capability registry (default: "capabilities.db")
//	DEFAULT_APPROVAL_MODE  - "auto" or "hil" (default: "hil")
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/pml-systems/pml-gateway/internal/astjson"
	"github.com/pml-systems/pml-gateway/internal/capability"
	"github.com/pml-systems/pml-gateway/internal/config"
	"github.com/pml-systems/pml-gateway/internal/dag"
	"github.com/pml-systems/pml-gateway/internal/dispatcher"
	"github.com/pml-systems/pml-gateway/internal/eventbus"
	"github.com/pml-systems/pml-gateway/internal/executor"
	"github.com/pml-systems/pml-gateway/internal/mcpmux"
	"github.com/pml-systems/pml-gateway/internal/sandbox"
	"github.com/pml-systems/pml-gateway/internal/telemetry"
	"github.com/pml-systems/pml-gateway/internal/workflow"
)

func main() {
	var (
		configF = flag.String("config", "", "path to a gateway.yaml config file (optional)")
		dbgF    = flag.Bool("debug", false, "log request and response bodies at debug level")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configF); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tele := telemetry.Bundle{
		Logger: telemetry.NewClueLogger(),
		Metric: telemetry.NewClueMetrics(),
		Tracer: telemetry.NewClueTracer(),
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	reg, err := capability.NewRegistry(cfg.CapabilityDBPath, 5*time.Minute, capability.WithTelemetry(tele))
	if err != nil {
		return fmt.Errorf("open capability registry: %w", err)
	}
	defer reg.Close()

	mux := mcpmux.NewManager(tele, nil)
	defer mux.Close()
	for _, sc := range cfg.MCPServerConfigs() {
		mux.Register(sc)
	}

	bus := eventbus.NewBus(256)
	sb := &sandbox.Sandbox{}
	store := workflow.NewStore(rdb, cfg.WorkflowTTL, tele)
	gate := workflow.NewPendingGate(store)

	exec := executor.New(mux, sb, reg, bus, tele, cfg.ToolRegistry())
	exec.State = store
	defer exec.Close()

	d := &dispatcher.Dispatcher{
		Exec:                exec,
		Parser:              astjson.Decoder{},
		BuildDAG:            buildDAG(reg),
		Registry:            reg,
		Tools:               toolCatalog(cfg.ToolRegistry()),
		Caller:              mux,
		State:               store,
		Gate:                gate,
		Resolver:            gate,
		Tele:                tele,
		DefaultApprovalMode: cfg.ApprovalMode(),
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: dispatcher.HTTPHandler(d)}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(runCtx, "gateway listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.StdioMode {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dispatcher.ServeStdio(runCtx, d, os.Stdin, os.Stdout); err != nil {
				errc <- fmt.Errorf("stdio server: %w", err)
			}
		}()
	}

	err = <-errc
	log.Printf(runCtx, "shutting down: %s", err)
	cancel()
	_ = httpSrv.Close()
	wg.Wait()

	return nil
}

// toolCatalog adapts a config-built executor.StaticToolRegistry to the
// dispatcher.ToolCatalog interface, which needs to list every descriptor
// rather than resolve one by id.
type toolCatalogAdapter struct {
	reg executor.StaticToolRegistry
}

func toolCatalog(reg executor.StaticToolRegistry) dispatcher.ToolCatalog {
	return &toolCatalogAdapter{reg: reg}
}

func (a *toolCatalogAdapter) List() []executor.ToolDescriptor {
	out := make([]executor.ToolDescriptor, 0, len(a.reg))
	for _, td := range a.reg {
		out = append(out, td)
	}
	return out
}

// buildDAG closes over the capability registry so capabilities.<name>(...)
// calls resolve to a stable fully qualified id before the physical fusion
// pass runs.
func buildDAG(reg *capability.Registry) dispatcher.DAGBuilder {
	return func(root dag.Node, code string) (*dag.BuildResult, error) {
		b := &dag.Builder{Code: code, ResolveCapability: resolveCapability(reg)}
		ld, err := b.Build(root)
		if err != nil {
			return nil, err
		}
		return dag.Fuse(ld)
	}
}

func resolveCapability(reg *capability.Registry) dag.CapabilityResolver {
	return func(name string) (string, bool) {
		c, ok, err := reg.GetByName(context.Background(), name)
		if err != nil || !ok {
			return "", false
		}
		return "capability:" + c.ID, true
	}
}
