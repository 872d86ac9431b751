// Package functionmeta is the Function Meta Store collaborator: it holds
// the deployable description of a function (code layers, environment,
// mount config, hook handlers, health checks) that the schedule pipeline
// fetches before constructing a deploy request.
package functionmeta

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store is the collaborator contract for resolving a function name to its
// deployable metadata.
type Store interface {
	Get(function string) (FunctionMeta, error)
	Put(FunctionMeta) error
}

// FunctionMeta is the deployable description of one function.
type FunctionMeta struct {
	Function     string            `json:"function"`
	CodeLayers   []string          `json:"code_layers"` // ordered, base layer first
	Env          map[string]string `json:"env"`
	Mounts       []Mount           `json:"mounts"`
	HealthChecks []HealthCheck     `json:"health_checks"`
	Hooks        Hooks             `json:"hooks"`
}

// Valid checks a record's required fields, mounts and health checks.
// Memory.Put runs it before storing a record.
func (m FunctionMeta) Valid() error {
	var errs []string
	if m.Function == "" {
		errs = append(errs, "function name not set")
	}
	if len(m.CodeLayers) == 0 {
		errs = append(errs, "no code layers defined")
	}
	for i, mount := range m.Mounts {
		if err := mount.Valid(); err != nil {
			errs = append(errs, fmt.Sprintf("mount %d: %s", i, err))
		}
	}
	for i, hc := range m.HealthChecks {
		if err := hc.Valid(); err != nil {
			errs = append(errs, fmt.Sprintf("health check %d: %s", i, err))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Mount describes a filesystem mount the runtime should set up before
// InitCall.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// Valid checks a mount has both endpoints set.
func (m Mount) Valid() error {
	if m.Source == "" || m.Target == "" {
		return fmt.Errorf("mount requires both source and target")
	}
	return nil
}

// HealthCheck describes a health probe (protocol, port and timing) for a
// deployed instance's runtime. It is validated and stored with the
// function's metadata; the controller's heartbeat loop does not read it.
type HealthCheck struct {
	Protocol     string       `json:"protocol"` // HTTP, TCP
	Port         string       `json:"port"`
	InitialDelay jsonDuration `json:"initial_delay"`
	Timeout      jsonDuration `json:"timeout"`
	Interval     jsonDuration `json:"interval"`
}

// Valid checks a health check's protocol and timing fields.
func (hc HealthCheck) Valid() error {
	switch hc.Protocol {
	case "HTTP", "TCP":
	default:
		return fmt.Errorf("unsupported protocol %q", hc.Protocol)
	}
	if hc.Timeout.Duration() <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if hc.Interval.Duration() <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	return nil
}

// Hooks names the lifecycle hook handlers the runtime invokes.
type Hooks struct {
	PreStop  string `json:"pre_stop,omitempty"`
	PostInit string `json:"post_init,omitempty"`
}

// jsonDuration round-trips a time.Duration through JSON as a Go duration
// string, the same approach configstore.go uses for its health-check
// timing fields.
type jsonDuration struct{ d time.Duration }

// Duration returns the wrapped duration.
func (j jsonDuration) Duration() time.Duration { return j.d }

func (j jsonDuration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + j.d.String() + `"`), nil
}

func (j *jsonDuration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	j.d = d
	return nil
}
