package address

import "fmt"

// Cluster names a deployment environment.
type Cluster string

const (
	Localnet    Cluster = "localnet"
	Devnet      Cluster = "devnet"
	Testnet     Cluster = "testnet"
	MainnetBeta Cluster = "mainnet-beta"
)

// DefaultProgramID is the well-known deployment of the perpetuals program.
var DefaultProgramID = MustParsePubkey("F5SxeR2fW3R23GVCBSicwk45Zn9nhDCgSPHXirm2Vsom")

var programIDs = map[Cluster]Pubkey{
	Localnet:    DefaultProgramID,
	Devnet:      DefaultProgramID,
	Testnet:     DefaultProgramID,
	MainnetBeta: DefaultProgramID,
}

var rpcURLs = map[Cluster]string{
	Localnet:    "http://127.0.0.1:8899",
	Devnet:      "https://api.devnet.solana.com",
	Testnet:     "https://api.testnet.solana.com",
	MainnetBeta: "https://api.mainnet-beta.solana.com",
}

func ParseCluster(s string) (Cluster, error) {
	c := Cluster(s)
	if _, ok := programIDs[c]; !ok {
		return "", fmt.Errorf("unknown cluster %q", s)
	}
	return c, nil
}

// ProgramIDFor returns the program deployed on the cluster.
func ProgramIDFor(c Cluster) (Pubkey, error) {
	id, ok := programIDs[c]
	if !ok {
		return Pubkey{}, fmt.Errorf("no program id for cluster %q", c)
	}
	return id, nil
}

// RPCURL returns the public JSON-RPC endpoint of the cluster.
func (c Cluster) RPCURL() string {
	return rpcURLs[c]
}

// WebsocketURL derives the pubsub endpoint from the RPC endpoint.
func (c Cluster) WebsocketURL() string {
	return WebsocketURLFor(rpcURLs[c])
}

// WebsocketURLFor maps http(s)://host[:port] to ws(s)://host[:port+1] for
// local validators and ws(s)://host for hosted endpoints.
func WebsocketURLFor(rpc string) string {
	switch {
	case rpc == "http://127.0.0.1:8899":
		return "ws://127.0.0.1:8900"
	case len(rpc) > 8 && rpc[:8] == "https://":
		return "wss://" + rpc[8:]
	case len(rpc) > 7 && rpc[:7] == "http://":
		return "ws://" + rpc[7:]
	default:
		return rpc
	}
}
