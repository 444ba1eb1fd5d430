// Package api exposes the custodial wallet REST interface: wallet creation,
// balance lookups, signing, contract calls and the Rose Token agent flows that
// relay signer-produced transactions through the orchestrator. Liveness and
// drain endpoints live next to the business routes on the same chi router.
package api
