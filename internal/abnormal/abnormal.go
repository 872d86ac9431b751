// Package abnormal implements the Abnormal Processor: it watches
// /abnormal/localscheduler/<node_id> for a fencing marker, and once one
// appears, self-fences (stops admitting new schedules), waits for the
// local instance count to drain to zero, deletes the marker, and raises a
// shutdown signal. This gives operators a deterministic quarantine path
// for a misbehaving node.
package abnormal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/soundcloud/harpoon/functionproxy/internal/controlview"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/metastore"
)

// Fencer is implemented by whatever owns admission control for this node
// (typically the controller), so the abnormal processor can flip it off
// without an import cycle.
type Fencer interface {
	SetFenced(bool)
}

// ShutdownSignaler is called once draining completes.
type ShutdownSignaler interface {
	RaiseShutdown(reason string)
}

// Processor watches for this node's fencing marker and drives the
// self-fence-drain-cleanup sequence.
type Processor struct {
	store    metastore.MetaStore
	cv       *controlview.ControlView
	fencer   Fencer
	signaler ShutdownSignaler
	nodeID   string

	pollInterval time.Duration
}

// New constructs a Processor for nodeID.
func New(store metastore.MetaStore, cv *controlview.ControlView, fencer Fencer, signaler ShutdownSignaler, nodeID string) *Processor {
	return &Processor{
		store:        store,
		cv:           cv,
		fencer:       fencer,
		signaler:     signaler,
		nodeID:       nodeID,
		pollInterval: 2 * time.Second,
	}
}

// Run watches the abnormal key until ctx is canceled, fencing and draining
// each time the marker appears. A marker already present when Run starts
// (left over from a crash mid-drain, or placed while the process was down)
// triggers the same sequence immediately.
func (p *Processor) Run(ctx context.Context) error {
	log := logging.Named("abnormal").With("node_id", p.nodeID)
	key := metastore.AbnormalKey(p.nodeID)

	if _, ok, err := p.store.Get(ctx, key); err == nil && ok {
		log.Infow("fencing marker present at startup, draining")
		p.fencer.SetFenced(true)
		go p.drain(ctx, log)
	}

	return p.store.Watch(ctx, key, false, func(ev metastore.WatchEvent) {
		if ev.Deleted {
			return
		}
		log.Infow("fencing marker observed, draining")
		p.fencer.SetFenced(true)
		p.drain(ctx, log)
	})
}

func (p *Processor) drain(ctx context.Context, log *zap.SugaredLogger) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		if p.cv.Len() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	if err := p.store.Delete(ctx, metastore.AbnormalKey(p.nodeID)); err != nil {
		log.Warnw("failed to delete abnormal marker", "err", err)
	}
	log.Infow("drain complete, raising shutdown")
	p.signaler.RaiseShutdown("abnormal fencing drained")
}
