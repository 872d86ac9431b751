// Package metastore defines the transactional KV contract the instance
// state machine persists through, plus two implementations: an
// etcd v3-backed store for production, and an in-memory fake used by tests
// and by components that don't need real durability (e.g. unit tests of the
// controller actor).
package metastore

import (
	"context"
	"errors"
)

// ErrCompareFailed names a transaction whose compare clause did not hold,
// i.e. another writer raced ahead. Neither Commit implementation in this
// package returns it: they report a lost compare as TxnResult.Succeeded ==
// false with a nil error, which callers translate into
// ERR_ETCD_OPERATION_ERROR at the boundary.
var ErrCompareFailed = errors.New("metastore: compare-and-swap failed")

// KV is a single key/value with the revision it was last modified at.
type KV struct {
	Key         string
	Value       []byte
	ModRevision int64
}

// Op is one operation within a transaction: either a Put or a Delete.
type Op struct {
	Key    string
	Value  []byte // nil for a Delete
	Delete bool
}

// Compare asserts that Key's ModRevision equals ExpectedModRevision. A
// Compare with ExpectedModRevision == 0 asserts the key does not exist.
type Compare struct {
	Key                 string
	ExpectedModRevision int64
}

// TxnResult reports whether the transaction's compares all held, and (on
// success) the mod revisions the committed keys now have.
type TxnResult struct {
	Succeeded    bool
	ModRevisions map[string]int64
}

// WatchEvent is a single key change delivered to a Watch callback, in
// mod_revision order.
type WatchEvent struct {
	Key         string
	Value       []byte
	ModRevision int64
	Deleted     bool
}

// MetaStore is the storage contract the control plane depends on:
// linearizable reads, a transactional compare-and-swap commit, and ordered
// watches.
type MetaStore interface {
	// Get fetches the current value and mod revision of key. ok is false if
	// the key does not exist.
	Get(ctx context.Context, key string) (kv KV, ok bool, err error)

	// Commit applies ops transactionally, gated by compares. If any compare
	// fails, TxnResult.Succeeded is false and no op is applied.
	Commit(ctx context.Context, compares []Compare, ops []Op) (TxnResult, error)

	// Delete removes key unconditionally (used by CV teardown and the
	// abnormal processor's key cleanup).
	Delete(ctx context.Context, key string) error

	// Watch delivers WatchEvents for key (or, if prefix is true, every key
	// under that prefix) until ctx is canceled.
	Watch(ctx context.Context, key string, prefix bool, cb func(WatchEvent)) error
}

// Key prefixes for the persisted state layout.
const (
	InstanceKeyPrefix = "/instance/"
	RouteKeyPrefix    = "/instance_route/"
	AbnormalKeyPrefix = "/abnormal/localscheduler/"
)

// InstanceKey returns the metadata key for an instance record.
func InstanceKey(instanceID string) string { return InstanceKeyPrefix + instanceID }

// RouteKey returns the metadata key for an instance's denormalized route
// record.
func RouteKey(instanceID string) string { return RouteKeyPrefix + instanceID }

// AbnormalKey returns the metadata key the abnormal processor watches for a
// given node id.
func AbnormalKey(nodeID string) string { return AbnormalKeyPrefix + nodeID }
