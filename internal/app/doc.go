// Package app composes the shopfront services into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── cart/           # Carts, line items and aggregate totals
//	│   ├── product/        # Catalogue entries and listing queries
//	│   ├── session/        # Per-device login sessions
//	│   └── user/           # Accounts and roles
//	├── storage/            # Store interfaces and implementations
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation
//	├── services/           # Business logic (auth, carts, products)
//	├── idempotency/        # Duplicate request suppression
//	├── realtime/           # WebSocket fan-out to a user's devices
//	├── sweeper/            # Periodic housekeeping
//	├── httpapi/            # HTTP handlers and routing
//	├── runtime/            # Config-driven backend selection and HTTP server
//	├── system/             # Lifecycle management
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/shopfront/, cmd/shopctl/
//	      │
//	      ▼
//	internal/app/runtime (config, stores, HTTP server)
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► internal/app/services/*
//	      │           │
//	      │           └──► internal/app/storage (interfaces)
//	      │
//	      └──► internal/app/storage/{memory,postgres}
//
// # Adding a New Domain
//
//  1. Create domain models in internal/app/domain/<name>/
//  2. Add the store interface to internal/app/storage/interfaces.go
//  3. Implement it in internal/app/storage/postgres/ and memory/
//  4. Create the service in internal/app/services/<name>/
//  5. Wire the service in internal/app/application.go
//  6. Add HTTP handlers in internal/app/httpapi/
package app
