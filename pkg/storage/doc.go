// Package storage provides bbolt-backed, namespaced key/value persistence
// for application manifests across daemon restarts. The engine core is
// stateless and never imports this package; only cmd/hoststackd does.
package storage
