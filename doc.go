// Package docindex provides an embedded document database with
// background-maintained indexes.
//
// Documents are stored in a pebble database. Every write is assigned an etag,
// a monotonic (restarts, changes) pair, and indexes record the etag they have
// processed up to. Two executors keep indexes caught up: the map executor maps
// new and changed documents, the reduce executor folds mapped results of
// map/reduce indexes. Both sleep until a write notifies them and run an idle
// pass, which also picks up idle and abandoned indexes, when no work arrives
// for a while.
//
// # Quick Start
//
//	db, _ := docindex.Open("./data")
//	defer db.Close()
//
//	byCity := docindex.NewMapIndex("users/by-city", func(_ *docindex.MapContext, doc *docindex.Document) ([]docindex.Entry, error) {
//	    var u struct{ City string }
//	    if err := json.Unmarshal(doc.Data, &u); err != nil {
//	        return nil, err
//	    }
//	    return []docindex.Entry{{Data: []byte(u.City)}}, nil
//	})
//	_ = db.CreateIndex(ctx, byCity, docindex.PriorityNormal)
//
//	_, _ = db.Put(ctx, "users/1", []byte(`{"City":"Berlin"}`))
//	_ = db.WaitForNonStale(ctx, "users/by-city")
//
// # References
//
// A map function may load other documents through MapContext.LoadDocument.
// When a loaded document changes, every document that loaded it is indexed
// again.
//
// # Failures
//
// Documents that fail to map are counted per index. Once enough attempts were
// made and the failure rate exceeds 15%, the index is skipped until
// ResetIndexFailures. Passes that run out of memory shrink the batch size and
// retry.
//
// # Key Features
//
//   - Map and map/reduce indexes with per-index progress
//   - Normal, idle, abandoned and disabled index priorities
//   - Adaptive batch sizing with an optional memory limit
//   - LZ4 or zstd document body compression
//   - Prometheus metrics via the observability package
package docindex
