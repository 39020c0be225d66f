// Package opal provides an embedded content-addressable object storage
// engine for Go.
//
// Objects are addressed by bucket and key. On write the payload streams
// through a reversible transformation pipeline (compression, then
// encryption by default) into a pluggable blob backend, while a BLAKE3
// checksum is computed for content deduplication. Every object is described
// by a manifest kept in a write-ahead-logged index that survives crashes.
//
// # Quick Start
//
//	ctx := context.Background()
//
//	keys := keystore.NewMemory()
//	keys.SetKey("k1", secret)
//
//	backend, err := blobstore.NewLocal("./blobs")
//	if err != nil {
//	    panic(err)
//	}
//
//	store, err := opal.New(ctx, backend, keys, "./meta")
//	if err != nil {
//	    panic(err)
//	}
//	defer store.Close()
//
//	m, err := store.StoreObject(ctx, "docs", "report.txt", r, manifest.StorageIntent{
//	    Compression: manifest.LevelBalanced,
//	    Security:    manifest.LevelMax,
//	})
//
//	rc, m, err := store.RetrieveObject(ctx, "docs", "report.txt")
//	defer rc.Close()
//
// # Conditional Writes
//
// Writes can be made conditional on the object's current ETag:
//
//	_, err := store.StoreObject(ctx, "docs", "report.txt", r, intent,
//	    opal.WithExpectedETag(m.ETag))
//	if errors.Is(err, opal.ErrConcurrencyConflict) {
//	    // somebody else won the race
//	}
//
// # Search
//
// Manifests are searchable three ways: case-insensitive substring search
// over content summaries and tags, structured field queries, and cosine
// similarity over attached embeddings:
//
//	hits, _ := store.SearchByText(ctx, "invoice", 10)
//	rows, _ := store.ExecuteSimpleQuery(ctx, "SizeBytes > 1048576", 10)
//	near, _ := store.SearchByVector(ctx, embedding, 10)
//
// # Runtime Modes
//
// The store classifies its host into a tier (low power, desktop, server,
// hyperscale) at startup. Deduplication and background maintenance are only
// enabled on server-class hosts; concurrency limits scale with the tier.
// Use WithTier to pin the mode explicitly.
package opal
