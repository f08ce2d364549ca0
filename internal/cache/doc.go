// Package cache defines the disk-backed store that keeps fetched module bundles
// under StoragePath/<module>/<path>. Writes go through a temp file + rename so a
// crash never leaves a half-written bundle behind, and the version a bundle was
// fetched at is kept next to it. The loader reads bundles from here before going
// to the network, and Purge is the eviction primitive used when a user confirms
// a module update.
package cache
