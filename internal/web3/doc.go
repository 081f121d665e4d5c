// Package web3 houses chain connectivity configuration: YAML chain
// definitions, the built-in Base mainnet definition and the ordered RPC
// endpoint list (primary first, public fallbacks after it) that the
// ethereum client fails over across.
package web3
