package chainclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func answer(peer, chainID string, height int64, latency time.Duration) Answer {
	return Answer{Peer: peer, ChainID: chainID, Height: height, Latency: latency, OK: true}
}

func peersOf(answers []Answer) []string {
	out := make([]string, 0, len(answers))
	for _, a := range answers {
		out = append(out, a.Peer)
	}
	return out
}

func TestChooseCoherentGroup(t *testing.T) {
	tests := []struct {
		name      string
		canonical string
		answers   []Answer
		chainID   string
		coherent  []string
		suspects  []string
	}{
		{
			name:      "off-chain peer is a suspect",
			canonical: "X",
			answers: []Answer{
				answer("p1", "X", 100, 30*time.Millisecond),
				answer("p2", "X", 101, 40*time.Millisecond),
				answer("p3", "Y", 50, 10*time.Millisecond),
			},
			chainID:  "X",
			coherent: []string{"p2", "p1"},
			suspects: []string{"p3"},
		},
		{
			name: "largest group without a canonical id",
			answers: []Answer{
				answer("p1", "Y", 500, 0),
				answer("p2", "X", 100, 0),
				answer("p3", "X", 100, 0),
			},
			chainID:  "X",
			coherent: []string{"p2", "p3"},
			suspects: []string{"p1"},
		},
		{
			name: "tie goes to the higher tip",
			answers: []Answer{
				answer("p1", "X", 100, 0),
				answer("p2", "Y", 200, 0),
			},
			chainID:  "Y",
			coherent: []string{"p2"},
			suspects: []string{"p1"},
		},
		{
			name:      "lagging peer on the right chain",
			canonical: "X",
			answers: []Answer{
				answer("p1", "X", 100, 0),
				answer("p2", "X", 103, 0),
				answer("p3", "X", 101, 0),
			},
			chainID:  "X",
			coherent: []string{"p2", "p3"},
			suspects: []string{"p1"},
		},
		{
			name:      "equal heights ordered by latency",
			canonical: "X",
			answers: []Answer{
				answer("slow", "X", 100, 90*time.Millisecond),
				answer("fast", "X", 100, 5*time.Millisecond),
			},
			chainID:  "X",
			coherent: []string{"fast", "slow"},
		},
		{
			name:      "failures and unlabelled answers are ignored",
			canonical: "X",
			answers: []Answer{
				{Peer: "down", ChainID: "X", Height: 900},
				{Peer: "unchecked", OK: true},
				answer("p1", "X", 100, 0),
			},
			chainID:  "X",
			coherent: []string{"p1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chooseCoherentGroup(tt.canonical, tt.answers)
			assert.Equal(t, tt.chainID, got.ChainID)
			assert.Equal(t, tt.coherent, peersOf(got.Coherent))
			assert.ElementsMatch(t, tt.suspects, peersOf(got.Suspects))
		})
	}
}

func TestChooseCoherentGroupNothingUsable(t *testing.T) {
	got := chooseCoherentGroup("X", []Answer{{Peer: "p1"}, {Peer: "p2", OK: true}})
	assert.Empty(t, got.Coherent)
	assert.Empty(t, got.Suspects)
	assert.True(t, needsThirdPeer(got, nil))
}

func TestCoherentAnswersStayWithinSkew(t *testing.T) {
	answers := []Answer{
		answer("a", "X", 95, 0),
		answer("b", "X", 97, 0),
		answer("c", "X", 98, 0),
		answer("d", "X", 99, 0),
		answer("e", "Z", 120, 0),
	}
	got := chooseCoherentGroup("X", answers)
	for _, a := range got.Coherent {
		assert.LessOrEqual(t, got.MaxHeight-a.Height, int64(maxHeightSkew), a.Peer)
	}
	assert.ElementsMatch(t, []string{"a", "e"}, peersOf(got.Suspects))
}
