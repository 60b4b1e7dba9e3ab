package chainclient

import (
	"sort"
	"time"

	"chainnet/pkg/peerpool"
)

// maxHeightSkew is how many blocks a coherent answer may trail its group's tip
const maxHeightSkew = 2

// Answer is one peer's reply to a quorum read, tagged with the chain id and
// height the peer reported on its most recent status probe
type Answer struct {
	Peer    string        `json:"peer"`
	ChainID string        `json:"chainId,omitempty"`
	Height  int64         `json:"height,omitempty"`
	Latency time.Duration `json:"latency"`
	OK      bool          `json:"ok"`
	Status  int           `json:"status,omitempty"`
	Error   string        `json:"error,omitempty"`

	resp *peerpool.Response
}

// bearing reports whether the answer can take part in coherence judging
func (a Answer) bearing() bool {
	return a.OK && a.ChainID != "" && a.Height > 0
}

type coherence struct {
	ChainID   string
	MaxHeight int64
	Coherent  []Answer
	Suspects  []Answer
}

// chooseCoherentGroup groups successful answers by chain id and picks the group
// on the canonical chain, else the largest one, ties going to the higher tip.
// Members within maxHeightSkew of the group tip are coherent; every other
// successful answer, on any chain, is a suspect. Coherent answers come back
// highest first, then fastest.
func chooseCoherentGroup(canonical string, answers []Answer) coherence {
	type group struct {
		chainID   string
		members   []Answer
		maxHeight int64
	}

	var order []string
	groups := make(map[string]*group)
	for _, a := range answers {
		if !a.bearing() {
			continue
		}
		g, ok := groups[a.ChainID]
		if !ok {
			g = &group{chainID: a.ChainID}
			groups[a.ChainID] = g
			order = append(order, a.ChainID)
		}
		g.members = append(g.members, a)
		if a.Height > g.maxHeight {
			g.maxHeight = a.Height
		}
	}
	if len(order) == 0 {
		return coherence{}
	}

	chosen, ok := groups[canonical]
	if !ok {
		for _, id := range order {
			g := groups[id]
			switch {
			case chosen == nil:
				chosen = g
			case len(g.members) > len(chosen.members):
				chosen = g
			case len(g.members) == len(chosen.members) && g.maxHeight > chosen.maxHeight:
				chosen = g
			}
		}
	}

	out := coherence{ChainID: chosen.chainID, MaxHeight: chosen.maxHeight}
	for _, a := range answers {
		if !a.OK {
			continue
		}
		if a.bearing() && a.ChainID == chosen.chainID && chosen.maxHeight-a.Height <= maxHeightSkew {
			out.Coherent = append(out.Coherent, a)
			continue
		}
		if a.bearing() {
			out.Suspects = append(out.Suspects, a)
		}
	}

	sort.SliceStable(out.Coherent, func(i, j int) bool {
		if out.Coherent[i].Height != out.Coherent[j].Height {
			return out.Coherent[i].Height > out.Coherent[j].Height
		}
		return out.Coherent[i].Latency < out.Coherent[j].Latency
	})
	return out
}
