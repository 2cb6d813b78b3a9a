package domain

import "fmt"

// BridgeRoute is one configured way to move funds between two chains.
type BridgeRoute struct {
	SourceChainID        int64   `json:"source_chain_id" toml:"source_chain_id"`
	DestinationChainID   int64   `json:"destination_chain_id" toml:"destination_chain_id"`
	BridgeName           string  `json:"bridge_name" toml:"bridge_name"`
	EstimatedFeeUSD      float64 `json:"estimated_fee_usd" toml:"estimated_fee_usd"`
	EstimatedDurationSec int64   `json:"estimated_duration_sec" toml:"estimated_duration_sec"`
}

// SelectBridgeRoute returns the cheapest route from src to dst.
func SelectBridgeRoute(routes []BridgeRoute, src, dst int64) (BridgeRoute, error) {
	var (
		best  BridgeRoute
		found bool
	)
	for _, r := range routes {
		if r.SourceChainID != src || r.DestinationChainID != dst {
			continue
		}
		if !found || r.EstimatedFeeUSD < best.EstimatedFeeUSD {
			best = r
			found = true
		}
	}
	if !found {
		return BridgeRoute{}, fmt.Errorf("%w: %d -> %d", ErrNoBridgeRoute, src, dst)
	}
	return best, nil
}
