// Package web3 holds the chain access primitives used by the service: the
// minimal Backend interface, the per-request signing Identity, ERC20 calldata
// helpers, decimal unit conversion and the YAML chain definitions consumed by
// the provider registry.
package web3
