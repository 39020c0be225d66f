// Package fs provides a small filesystem abstraction for testability and
// fault injection.
//
// Production code uses fs.Default ([LocalFS]). Tests can inject [FaultyFS] to
// simulate write, sync, or rename failures against selected paths, which is
// how the index's degraded-persistence behavior is exercised without touching
// a real failing disk.
//
// The interfaces deliberately take no context.Context: local file operations
// are fast and non-interruptible at the syscall level. Slow storage lives
// behind the blobstore contract, which is context-aware.
package fs
