// Package storage provides interfaces and utilities for OAuth token, client, and flow persistence.
//
// The storage package defines the core storage interfaces used throughout the library:
//   - TokenStore: Manages issued access and refresh tokens
//   - ClientStore: Manages registered OAuth clients
//   - FlowStore: Manages authorization codes and in-flight device authorizations
//   - RefreshTokenFamilyStore / TokenRevocationStore: optional reuse-detection
//     and bulk revocation capabilities
//
// This package also provides shared types and utility functions used by storage
// implementations, including encryption/decryption helpers for sensitive token
// fields.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, testing, and
//     single-instance deployments
//   - storage/mock: Mock storage for unit testing
package storage
