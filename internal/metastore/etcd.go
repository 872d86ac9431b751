package metastore

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd adapts a go.etcd.io/etcd/client/v3 client to the MetaStore contract.
// This is the production implementation: etcd's MVCC mod-revision model maps
// directly onto the state machine's compare-on-mod-revision persistence
// protocol.
type Etcd struct {
	client *clientv3.Client
}

// NewEtcd wraps an already-configured etcd client.
func NewEtcd(client *clientv3.Client) *Etcd {
	return &Etcd{client: client}
}

func (e *Etcd) Get(ctx context.Context, key string) (KV, bool, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return KV{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return KV{}, false, nil
	}
	kv := resp.Kvs[0]
	return KV{Key: string(kv.Key), Value: kv.Value, ModRevision: kv.ModRevision}, true, nil
}

func (e *Etcd) Commit(ctx context.Context, compares []Compare, ops []Op) (TxnResult, error) {
	cmps := make([]clientv3.Cmp, 0, len(compares))
	for _, c := range compares {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(c.Key), "=", c.ExpectedModRevision))
	}
	etcdOps := make([]clientv3.Op, 0, len(ops))
	for _, op := range ops {
		if op.Delete {
			etcdOps = append(etcdOps, clientv3.OpDelete(op.Key))
			continue
		}
		etcdOps = append(etcdOps, clientv3.OpPut(op.Key, string(op.Value)))
	}

	resp, err := e.client.Txn(ctx).If(cmps...).Then(etcdOps...).Commit()
	if err != nil {
		return TxnResult{}, err
	}
	if !resp.Succeeded {
		return TxnResult{Succeeded: false}, nil
	}

	modRevisions := map[string]int64{}
	for i, op := range ops {
		if op.Delete {
			continue
		}
		if i < len(resp.Responses) {
			if put := resp.Responses[i].GetResponsePut(); put != nil {
				modRevisions[op.Key] = put.Header.Revision
			}
		}
	}
	return TxnResult{Succeeded: true, ModRevisions: modRevisions}, nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	_, err := e.client.Delete(ctx, key)
	return err
}

func (e *Etcd) Watch(ctx context.Context, key string, prefix bool, cb func(WatchEvent)) error {
	opts := []clientv3.OpOption{}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}
	watchc := e.client.Watch(ctx, key, opts...)
	for resp := range watchc {
		if err := resp.Err(); err != nil {
			return err
		}
		for _, ev := range resp.Events {
			cb(WatchEvent{
				Key:         string(ev.Kv.Key),
				Value:       ev.Kv.Value,
				ModRevision: ev.Kv.ModRevision,
				Deleted:     ev.Type == clientv3.EventTypeDelete,
			})
		}
	}
	return ctx.Err()
}
