package chainclient

import (
	"context"

	"chainnet/pkg/peerpool"
	"chainnet/pkg/types"

	"go.uber.org/zap"
)

// ensureSomeAlive returns up to want alive peers for kind. When fewer are known
// alive it probes non-dead candidates one at a time until enough answer.
func (c *Client) ensureSomeAlive(ctx context.Context, kind types.EndpointKind, want int) []types.Peer {
	alive := c.pool.PickPeers(kind, want, peerpool.PickOptions{RequireAlive: true})
	if len(alive) >= want {
		return alive
	}

	seen := make(map[string]struct{}, len(alive))
	for _, peer := range alive {
		seen[peer.RPC] = struct{}{}
	}

	for _, peer := range c.pool.PickPeers(kind, max(3, want*2), peerpool.PickOptions{}) {
		if len(alive) >= want || ctx.Err() != nil {
			break
		}
		if _, ok := seen[peer.RPC]; ok {
			continue
		}
		seen[peer.RPC] = struct{}{}

		if _, err := c.pool.PingPeer(ctx, peer); err != nil {
			c.logger.Debug("Candidate probe failed", zap.String("peer", peer.RPC), zap.Error(err))
			continue
		}
		// re-read so the caller sees the freshly probed chain id and height
		if fresh, ok := c.pool.Peer(peer.RPC); ok && fresh.HasChainID(c.pool.NetworkChainID()) {
			alive = append(alive, fresh)
		}
	}
	return alive
}

func peerRPCs(peers []types.Peer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.RPC)
	}
	return out
}
