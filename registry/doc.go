// Package registry provides the keyed resource stores used for backend
// singletons: pipelines, resource layouts, shaders, and named shared
// resources.
//
// Two shapes are provided:
//
//   - [Registry]: a flat keyed store with explicit registration policies.
//     Register fails on duplicates (for resources where silent overwrite
//     would be a caller bug), Swap replaces unconditionally and returns the
//     previous value (for resources that are rebuilt, e.g. pipelines after
//     device invalidation), and GetOrAdd is atomic get-or-create.
//   - [Cache]: a sharded get-or-create map for high-concurrency first
//     access, with atomic hit/miss statistics. Unlike an LRU cache it never
//     evicts: the values are GPU-side singletons whose lifetime is managed
//     explicitly via Delete and Clear.
//
// Keys are a (kind, optional name) pair with structural equality. Kind is a
// small caller-chosen integer tag; packages that own a registry declare
// their kinds as constants.
package registry
