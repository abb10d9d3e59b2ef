package core

// Environment is the Go form of the configuration record spec.md §6
// enumerates. Loading it from YAML/env files is an external-collaborator
// concern (spec.md §1 Non-goals); core only depends on the struct.
type Environment struct {
	DBPath                    string
	NetworkID                 []byte
	IPHost                    string
	P2PPort                   int
	ChainKey                  PublicKey
	WalletPassword            string
	TransactionTimestampMaxMS int64
	UsernameBurnAmount        uint64
	CommitteeSize             int
	NodeType                  string
	Identity                  string

	// MinGasPrice is the gas-price floor referenced by spec.md §4.1 point 7
	// ("gas_price > minimum (minimum is 1 unless ... consensus type)").
	// Surfaced as configuration per spec.md §9's open question rather than
	// hardcoded.
	MinGasPrice uint64

	// BootstrapPeers are dialed on startup to seed the peer registry before
	// the first sync-needed check runs (spec.md §4.5 "Full sync").
	BootstrapPeers []string
}

// CommitteeThreshold returns the minimum number of committee signatures a
// confirmed block must carry: ⌈2·committee_size/3⌉ (spec.md §4.2 point 6).
func (e Environment) CommitteeThreshold() int {
	return (2*e.CommitteeSize + 2) / 3
}
