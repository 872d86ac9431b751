// Command functionproxy runs the per-node instance control core: the
// Instance State Machine / Control View / Instance Controller /
// Subscription Manager stack, wired to an etcd-backed (or in-memory, for
// single-node/dev use) metadata store and exposed over the HTTP surface in
// internal/httpapi.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/soundcloud/harpoon/functionproxy/internal/abnormal"
	"github.com/soundcloud/harpoon/functionproxy/internal/config"
	"github.com/soundcloud/harpoon/functionproxy/internal/controller"
	"github.com/soundcloud/harpoon/functionproxy/internal/controlview"
	"github.com/soundcloud/harpoon/functionproxy/internal/functionagent"
	"github.com/soundcloud/harpoon/functionproxy/internal/functionmeta"
	"github.com/soundcloud/harpoon/functionproxy/internal/httpapi"
	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/localsched"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/metastore"
	"github.com/soundcloud/harpoon/functionproxy/internal/observer"
	"github.com/soundcloud/harpoon/functionproxy/internal/ratelimit"
	"github.com/soundcloud/harpoon/functionproxy/internal/resourceview"
	"github.com/soundcloud/harpoon/functionproxy/internal/scheduler"
	"github.com/soundcloud/harpoon/functionproxy/internal/submgr"
	"github.com/soundcloud/harpoon/functionproxy/internal/workerclient"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logging.L().Fatalw("failed to parse flags", "err", err)
	}
	if cfg.OwnerProxyID == "" {
		logging.L().Fatalw("-owner-proxy-id is required")
	}

	log := logging.Named("main")

	store, closeStore := buildStore(cfg)
	defer closeStore()

	cv := controlview.New()
	metaStore := functionmeta.NewMemory()
	sched := scheduler.New()
	agentMgr := functionagent.NewHTTPClient()
	obs := observer.New(store)
	localSchedSvc := localsched.NewHTTPService()

	workerFor := controller.WorkerClientFactory(func(addr string) workerclient.WorkerClient {
		return workerclient.New(addr)
	})

	notifier := controller.NewRuntimeNotifier(cv, workerFor, localSchedSvc, cfg.OwnerProxyID)
	subMgr := submgr.New(notifier)
	limiter := ratelimit.New(cfg.RateLimitConfig())
	resources := resourceview.NewLedger()

	ctrl := controller.New(
		cfg.ControllerConfig(),
		store,
		cv,
		metaStore,
		sched,
		agentMgr,
		workerFor,
		obs,
		localSchedSvc,
		subMgr,
		limiter,
		resources,
	)
	ctrl.SetCandidateSource(staticCandidateSource(cfg.FunctionAgents))
	obs.SetOnEvent(ctrl.HandlePeerInstanceEvent)

	shutdownRequested := make(chan string, 1)
	controller.SetShutdownHandler(func(reason string) {
		select {
		case shutdownRequested <- reason:
		default:
		}
	})

	abnormalProc := abnormal.New(store, cv, ctrl, ctrl, cfg.OwnerProxyID)

	api := httpapi.New(ctrl, subMgr)
	mux := http.NewServeMux()
	mux.Handle("/", api)
	mux.Handle("/metrics", promhttp.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := obs.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorw("observer watch loop exited", "err", err)
		}
	}()
	go func() {
		if err := abnormalProc.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorw("abnormal processor exited", "err", err)
		}
	}()
	reconcileCron := startReconcileCron(ctx, ctrl, cfg.ReconcileInterval)
	defer reconcileCron.Stop()

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		log.Infow("listening", "addr", cfg.Listen, "owner_proxy_id", cfg.OwnerProxyID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("http server failed", "err", err)
		}
	}()

	select {
	case <-interrupt():
		log.Infow("shutdown signal received, draining")
	case reason := <-shutdownRequested:
		log.Infow("abnormal processor requested shutdown", "reason", reason)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpapi.ShutdownTimeout())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("graceful http shutdown failed", "err", err)
	}
}

// startReconcileCron schedules the node-startup sync pass to re-run on a
// fixed cadence, so instances orphaned by a process restart
// that this node still owns in the metadata store get picked back up
// without waiting for a fresh watch event. Uses robfig/cron's "@every"
// schedule rather than a bare time.Ticker so the cadence composes with
// whatever other cron-driven maintenance a deployment adds to the same
// scheduler.
func startReconcileCron(ctx context.Context, ctrl *controller.Controller, interval time.Duration) *cron.Cron {
	ctrl.ReconcileNode(ctx)

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if ctx.Err() != nil {
			return
		}
		ctrl.ReconcileNode(ctx)
	})
	if err != nil {
		logging.L().Fatalw("failed to schedule reconciliation sweep", "interval", interval, "err", err)
	}
	c.Start()
	return c
}

// buildStore wires an etcd-backed MetaStore when endpoints are configured,
// falling back to the in-memory fake for single-node/dev runs.
func buildStore(cfg config.Config) (metastore.MetaStore, func()) {
	if len(cfg.EtcdEndpoints) == 0 {
		logging.Named("main").Warnw("no -etcd-endpoint given, running with an in-memory metadata store")
		return metastore.NewMemory(), func() {}
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		logging.L().Fatalw("failed to connect to etcd", "endpoints", cfg.EtcdEndpoints, "err", err)
	}
	return metastore.NewEtcd(client), func() { client.Close() }
}

// staticCandidateSource surfaces a fixed list of function-agent addresses
// as the node pool the scheduler picks from. The resource-view aggregation
// that would report live capacity per node is an external collaborator, so
// this reports each configured agent as uniformly available.
type staticCandidateSource []string

func (s staticCandidateSource) Candidates(_ context.Context, req instance.Instance) ([]scheduler.Candidate, error) {
	out := make([]scheduler.Candidate, 0, len(s))
	for _, addr := range s {
		out = append(out, scheduler.Candidate{
			NodeID:          addr,
			FunctionAgentID: addr,
			AvailableCPU:    req.Resources.CPUMilli * 4,
			AvailableMemMB:  req.Resources.MemoryMB * 4,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no function agents configured (-function-agent)")
	}
	return out, nil
}

func interrupt() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}
