// Package config collects every tunable the control core's process needs
// at startup into one flag-parsed struct.
package config

import (
	"flag"
	"time"

	"golang.org/x/time/rate"

	"github.com/soundcloud/harpoon/functionproxy/internal/controller"
	"github.com/soundcloud/harpoon/functionproxy/internal/ratelimit"
)

// Config is the full set of settings cmd/functionproxy needs to wire a
// Controller and its HTTP surface.
type Config struct {
	Listen         string
	OwnerProxyID   string
	NodeAddr       string
	EtcdEndpoints  stringList
	FunctionAgents stringList
	PeerProxies    stringList

	MinCPUMilli, MaxCPUMilli int
	MinMemoryMB, MaxMemoryMB int
	MaxScheduleRounds        int
	HeartbeatInterval        time.Duration
	HeartbeatGrace           time.Duration
	DefaultKillGrace         time.Duration

	MaxInstanceRedeployTimes int
	MinDeployInterval        time.Duration
	MaxDeployInterval        time.Duration

	MaxInstanceReconnectTimes int
	ReconnectTimeout          time.Duration
	ReconnectInterval         time.Duration

	MaxInitCallRetryTimes  int
	RuntimeInitCallTimeout time.Duration

	RateLimitPerSecond float64
	RateLimitBurst     int

	ReconcileInterval time.Duration
}

// stringList is a repeatable flag.Value.
type stringList []string

func (s *stringList) String() string { return "" }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// Parse builds a Config from command-line flags. args is normally
// os.Args[1:]; passing it explicitly keeps this testable without touching
// the process's real argument list.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("functionproxy", flag.ContinueOnError)

	cfg := Config{}
	fs.StringVar(&cfg.Listen, "listen", ":8080", "HTTP listen address")
	fs.StringVar(&cfg.OwnerProxyID, "owner-proxy-id", "", "this node's proxy id, used to tag instances it owns")
	fs.StringVar(&cfg.NodeAddr, "node-addr", "", "this node's externally reachable address")
	fs.Var(&cfg.EtcdEndpoints, "etcd-endpoint", "repeatable list of etcd endpoints")
	fs.Var(&cfg.FunctionAgents, "function-agent", "repeatable list of function-agent addresses this node may schedule onto")
	fs.Var(&cfg.PeerProxies, "peer-proxy", "repeatable list of sibling proxy node addresses a failed local schedule may forward onto")

	fs.IntVar(&cfg.MinCPUMilli, "min-cpu-milli", 50, "minimum CPU millicores an instance may request")
	fs.IntVar(&cfg.MaxCPUMilli, "max-cpu-milli", 64000, "maximum CPU millicores an instance may request")
	fs.IntVar(&cfg.MinMemoryMB, "min-memory-mb", 64, "minimum memory (MB) an instance may request")
	fs.IntVar(&cfg.MaxMemoryMB, "max-memory-mb", 256000, "maximum memory (MB) an instance may request")
	fs.IntVar(&cfg.MaxScheduleRounds, "max-schedule-rounds", 5, "schedule rounds, the first placement included, before an instance is marked FATAL")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", 5*time.Second, "interval between runtime heartbeat polls")
	fs.DurationVar(&cfg.HeartbeatGrace, "heartbeat-grace", 15*time.Second, "time without a healthy heartbeat before escalating to reschedule")
	fs.DurationVar(&cfg.DefaultKillGrace, "kill-grace", 10*time.Second, "grace period given to a runtime shutdown before it's considered unresponsive")

	fs.IntVar(&cfg.MaxInstanceRedeployTimes, "max-instance-redeploy-times", 2, "deploy retries before an instance is marked FATAL")
	fs.DurationVar(&cfg.MinDeployInterval, "min-deploy-interval", 200*time.Millisecond, "initial backoff between deploy retries")
	fs.DurationVar(&cfg.MaxDeployInterval, "max-deploy-interval", 5*time.Second, "backoff ceiling between deploy retries")

	fs.IntVar(&cfg.MaxInstanceReconnectTimes, "max-instance-reconnect-times", 2, "runtime-connect retries before an instance is marked FATAL")
	fs.DurationVar(&cfg.ReconnectTimeout, "reconnect-timeout", 10*time.Second, "per-attempt timeout waiting for runtime readiness")
	fs.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", 500*time.Millisecond, "backoff between runtime-connect retries")

	fs.IntVar(&cfg.MaxInitCallRetryTimes, "max-init-call-retry-times", 2, "init-call retries before an instance is marked FATAL")
	fs.DurationVar(&cfg.RuntimeInitCallTimeout, "runtime-init-call-timeout", 10*time.Second, "per-attempt timeout for the runtime init call")

	fs.Float64Var(&cfg.RateLimitPerSecond, "rate-limit-per-second", 1, "per-tenant instance-creation rate, tokens per second")
	fs.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", 10, "per-tenant instance-creation burst capacity")

	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", 30*time.Second, "interval between control-view reconciliation sweeps")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ControllerConfig projects the subset of Config the controller package
// consumes directly.
func (c Config) ControllerConfig() controller.Config {
	return controller.Config{
		OwnerProxyID:      c.OwnerProxyID,
		NodeAddr:          c.NodeAddr,
		PeerProxyAddrs:    c.PeerProxies,
		MinCPUMilli:       c.MinCPUMilli,
		MaxCPUMilli:       c.MaxCPUMilli,
		MinMemoryMB:       c.MinMemoryMB,
		MaxMemoryMB:       c.MaxMemoryMB,
		MaxScheduleRounds: c.MaxScheduleRounds,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatGrace:    c.HeartbeatGrace,
		DefaultKillGrace:  c.DefaultKillGrace,

		MaxInstanceRedeployTimes: c.MaxInstanceRedeployTimes,
		MinDeployInterval:        c.MinDeployInterval,
		MaxDeployInterval:        c.MaxDeployInterval,

		MaxInstanceReconnectTimes: c.MaxInstanceReconnectTimes,
		ReconnectTimeout:          c.ReconnectTimeout,
		ReconnectInterval:         c.ReconnectInterval,

		MaxInitCallRetryTimes:  c.MaxInitCallRetryTimes,
		RuntimeInitCallTimeout: c.RuntimeInitCallTimeout,
	}
}

// RateLimitConfig projects the subset of Config the ratelimit package
// consumes directly.
func (c Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{Rate: rate.Limit(c.RateLimitPerSecond), Burst: c.RateLimitBurst}
}
