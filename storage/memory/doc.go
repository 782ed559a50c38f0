// Package memory provides an in-memory implementation of the OAuth storage interfaces.
//
// This package implements TokenStore, ClientStore, FlowStore,
// RefreshTokenFamilyStore and TokenRevocationStore using Go's built-in maps
// with mutex protection for thread safety. It is suitable for development,
// testing, and single-instance deployments where cross-process durability is
// not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic consume operations for refresh rotation and code exchange
//   - Automatic cleanup of expired tokens, codes, and device authorizations
//   - Configurable cleanup intervals
//   - Upstream token encryption at rest via Encryptor
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	// Use store for TokenStore, ClientStore, and FlowStore interfaces
//	server, _ := oauth.NewServer(provider, store, store, store, config, logger)
package memory
