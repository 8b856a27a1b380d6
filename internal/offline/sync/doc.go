// Package sync replays queued local mutations against the POS server.
//
// # Overview
//
// The Engine is the single logical sync worker of a terminal. A pass reads
// every entity queue in dependency order, pushes what is ready through the
// remote adapter, routes conflicts to the resolver and writes outcomes back
// to the local store. It then refreshes master data, prunes old synced
// mutations and records a session summary.
//
//	RecordMutation ──► queue (pending) ──► Run ──► remote.Adapter
//	                                        │
//	                       conflict.Resolver ◄┤
//	                         metrics.Recorder ◄┤
//	                        events.Notifier ◄──┘
//
// # Ordering
//
// Entity types run one after another: sessions, sales, closures, stock
// changes, price changes, products, categories, users. Within one type the
// mutations are grouped by group key (the record id, or the product id for
// ledger entries). Groups run concurrently on a bounded pool; inside a group
// mutations are pushed oldest first and the group stops at the first one
// that does not succeed.
//
// Usage
//
//	st, err := store.Open("pos.db")
//	if err != nil {
//	    return err
//	}
//	if err := st.Init(queue.Schema()); err != nil {
//	    return err
//	}
//	queues := queue.NewSet(st, queue.DefaultConfig(), nil, logger)
//	engine := sync.New(sync.Deps{
//	    Store:    st,
//	    Queues:   queues,
//	    Adapter:  adapter,
//	    Resolver: conflict.NewResolver(st, nil, logger),
//	    Notifier: events.NewNotifier(nil, logger),
//	    Metrics:  metrics.NewRecorder(st, queues, metrics.DefaultConfig(), nil, logger),
//	    Logger:   logger,
//	}, sync.DefaultConfig())
//
//	session, err := engine.Run(ctx)
//
// Run never overlaps itself: a call made while a pass is in progress logs
// and returns a nil session and a nil error.
package sync
