package peerpool

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"

	"chainnet/pkg/types"

	"go.uber.org/zap"
)

const validatorsPath = "/cosmos/staking/v1beta1/validators"

// Validator is the subset of a staking validator kept after discovery
type Validator struct {
	OperatorAddress string `json:"operatorAddress"`
	Moniker         string `json:"moniker,omitempty"`
	Website         string `json:"website,omitempty"`
	Details         string `json:"details,omitempty"`
	Status          string `json:"status,omitempty"`
	Jailed          bool   `json:"jailed"`
}

// RefreshResult summarizes one discovery run
type RefreshResult struct {
	Skipped    bool   `json:"skipped,omitempty"`
	Peer       string `json:"peer,omitempty"`
	Validators int    `json:"validators"`
	AddedPeers int    `json:"addedPeers"`
}

type validatorsPage struct {
	Validators []struct {
		OperatorAddress string `json:"operator_address"`
		Jailed          bool   `json:"jailed"`
		Status          string `json:"status"`
		Description     struct {
			Moniker string `json:"moniker"`
			Website string `json:"website"`
			Details string `json:"details"`
		} `json:"description"`
	} `json:"validators"`
	Pagination struct {
		NextKey *string `json:"next_key"`
	} `json:"pagination"`
}

// RefreshFromOnChain lists the validator set through one REST peer and registers
// endpoints advertised in validator descriptions. Only one run executes at a time;
// a concurrent call returns a Skipped result.
func (p *Pool) RefreshFromOnChain(ctx context.Context) (RefreshResult, error) {
	if !p.refreshing.CompareAndSwap(false, true) {
		return RefreshResult{Skipped: true}, nil
	}
	defer p.refreshing.Store(false)

	now := p.clock.Now()
	p.resurrectExpired(now)

	// stale REST peers are tolerated so discovery cannot starve on an unprobed pool
	var restPeers []types.Peer
	for _, peer := range p.matching(types.KindREST) {
		if !peer.IsDead(now) {
			restPeers = append(restPeers, peer)
		}
	}
	if len(restPeers) == 0 {
		p.metrics.observeRefreshFailure()
		return RefreshResult{}, ErrNoRESTPeers
	}
	chosen := restPeers[rand.Intn(len(restPeers))]
	result := RefreshResult{Peer: chosen.RPC}

	validators, err := p.fetchAllValidators(ctx, chosen)
	if err != nil {
		p.metrics.observeRefreshFailure()
		p.logger.Warn("Validator discovery failed",
			zap.String("peer", chosen.REST),
			zap.Error(err))
		return result, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	p.mu.Lock()
	p.validators = validators
	p.lastOnChainRefresh = p.clock.Now()
	p.mu.Unlock()

	result.Validators = len(validators)
	result.AddedPeers = p.addPeersFromValidators(validators)
	p.metrics.observeRefreshSuccess(result.AddedPeers)
	p.refreshGauges()

	p.logger.Info("Refreshed peers from validator set",
		zap.String("peer", chosen.REST),
		zap.Int("validators", result.Validators),
		zap.Int("added_peers", result.AddedPeers))
	return result, nil
}

func (p *Pool) fetchAllValidators(ctx context.Context, peer types.Peer) ([]Validator, error) {
	var out []Validator
	nextKey := ""

	for page := 0; page < p.opts.ValidatorMaxPages; page++ {
		q := url.Values{}
		q.Set("pagination.limit", strconv.Itoa(p.opts.ValidatorPageSize))
		if nextKey != "" {
			q.Set("pagination.key", nextKey)
		}

		resp, err := p.RequestOnPeer(ctx, types.KindREST, peer, validatorsPath+"?"+q.Encode(),
			RequestOptions{Timeout: p.opts.ValidatorPageTimeout})
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page+1, err)
		}

		var body validatorsPage
		if err := resp.DecodeJSON(&body); err != nil {
			return nil, fmt.Errorf("page %d: %w", page+1, err)
		}

		for _, v := range body.Validators {
			out = append(out, Validator{
				OperatorAddress: truncate(v.OperatorAddress, 256),
				Moniker:         truncate(v.Description.Moniker, 256),
				Website:         truncate(v.Description.Website, 1024),
				Details:         truncate(v.Description.Details, 4096),
				Status:          truncate(v.Status, 64),
				Jailed:          v.Jailed,
			})
		}

		nextKey = ""
		if body.Pagination.NextKey != nil {
			nextKey = truncate(*body.Pagination.NextKey, 4096)
		}
		if nextKey == "" {
			break
		}
	}
	return out, nil
}

// addPeersFromValidators upserts every advertised RPC endpoint as an on-chain peer
func (p *Pool) addPeersFromValidators(validators []Validator) int {
	added := 0
	for _, v := range validators {
		ep, ok := ExtractEndpoints(v.Website + "\n" + v.Details)
		if !ok || ep.RPC == "" {
			continue
		}
		_, created, err := p.UpsertPeer(PeerInput{RPC: ep.RPC, REST: ep.REST, GRPC: ep.GRPC, Source: types.SourceOnChain})
		if err != nil {
			p.logger.Debug("Skipping advertised endpoint",
				zap.String("validator", v.OperatorAddress),
				zap.Error(err))
			continue
		}
		if created {
			added++
		}
	}
	return added
}
