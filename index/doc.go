// Package index defines the contract between the indexing executors and the
// code that computes index output from documents.
//
// An Index maps a document to zero or more entries. Map-only indexes store the
// entries per document. Map/reduce indexes key every entry with a reduce key;
// entries sharing a reduce key are later folded by Reduce.
//
// # Live instances
//
// The Registry holds one Instance per defined index. An Instance carries the
// "indexing in flight" flag the executors use to keep an index out of two
// concurrent passes:
//
//	inst := reg.Get("orders/byCustomer")
//	if inst != nil && inst.TryBeginIndexing() {
//	    defer inst.EndIndexing()
//	    // ...
//	}
//
// # Document references
//
// Map functions load other documents through MapContext.LoadDocument. Every
// load is recorded, so a later write to the loaded document reindexes the
// document that loaded it.
//
// # Definitions
//
// Definitions guards structural changes (create, delete, priority updates).
// Passes hold the shared CurrentlyIndexing scope; changes take the exclusive
// Modify scope.
package index
