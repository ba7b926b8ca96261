// Package testutil provides testing utilities for docindex.
//
// This package is intended for use in tests, benchmarks and examples only.
// It generates reproducible document workloads.
//
// # Random Documents
//
//	rng := testutil.NewRNG(seed)
//	docs := rng.Users(100, 8)   // 100 users spread over 8 cities
//
// City assignment follows a Zipf distribution so map/reduce indexes see a
// few hot reduce keys and a long tail.
package testutil
