package types

// Event represents a typed event emitted during ledger operations. Events are
// consumed by off-ledger indexers and never feed back into balances.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
