// Package discover implements the Discover Queue (C5): destination
// vault validation and toAsset resolution for swaps observed on the
// source side, turning a DiscoverOrder into an EvalOrder (spec.md §4.5).
package discover

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"

	"github.com/catalystdao/underwriter/internal/chain"
	"github.com/catalystdao/underwriter/internal/payload"
)

// minimal-proxy (EIP-1167) bytecode template, spec.md §4.5 step 2.
var (
	proxyPrefix = common.FromHex("0x3d3d3d3d363d3d37363d73")
	proxySuffix = common.FromHex("0x5af43d3d93803e602a57fd5bf3")
)

// Index persists the expected-underwrite->swap forward index (spec.md §4.5 step 4).
type Index interface {
	SaveSwapDescriptionByExpectedUnderwrite(toChainID uint64, toInterface common.Address, underwriteID common.Hash, desc chain.SwapDescription) error
}

// Discoverer builds discover.Queue handlers.
type Discoverer struct {
	client    chain.EVMClient
	index     Index
	endpoints map[common.Address]chain.Endpoint
	toChainID uint64

	vaultValid *lru.Cache // vault address -> bool (validated / negatively cached)
	toAssets   *lru.Cache // (vault, idx) -> common.Address
}

type tokenIndexKey struct {
	vault common.Address
	idx   uint8
}

func New(client chain.EVMClient, index Index, toChainID uint64, endpoints []chain.Endpoint) (*Discoverer, error) {
	vaultValid, err := lru.New(4096)
	if err != nil {
		return nil, err
	}
	toAssets, err := lru.New(4096)
	if err != nil {
		return nil, err
	}
	byInterface := make(map[common.Address]chain.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byInterface[ep.InterfaceAddress] = ep
	}
	return &Discoverer{
		client:     client,
		index:      index,
		endpoints:  byInterface,
		toChainID:  toChainID,
		vaultValid: vaultValid,
		toAssets:   toAssets,
	}, nil
}

// vaultValidation caches a vault's template-check result; valid=false
// marks the vault as failing the template check so
// future orders for it are rejected without an RPC round-trip
// (spec.md §4.5 "Retries": vault-template-mismatch caches a negative
// result permanently).
type vaultValidation struct {
	valid bool
}

// validateVault runs the two-step factory/template check, consulting
// and populating the cache. RPC errors are returned uncached so the
// queue's retry policy applies; a definitive mismatch is cached.
func (d *Discoverer) validateVault(ctx context.Context, ep chain.Endpoint, vault common.Address) (bool, error) {
	if cached, ok := d.vaultValid.Get(vault); ok {
		return cached.(vaultValidation).valid, nil
	}

	ok, err := d.client.IsCreatedByFactory(ctx, ep.FactoryAddress, ep.InterfaceAddress, vault)
	if err != nil {
		return false, fmt.Errorf("discover: isCreatedByFactory: %w", err)
	}
	if !ok {
		d.vaultValid.Add(vault, vaultValidation{valid: false})
		return false, nil
	}

	code, err := d.client.VaultCode(ctx, vault)
	if err != nil {
		return false, fmt.Errorf("discover: fetch vault code: %w", err)
	}

	valid := matchesTemplate(code, ep.VaultTemplates)
	d.vaultValid.Add(vault, vaultValidation{valid: valid})
	return valid, nil
}

// matchesTemplate checks the minimal-proxy bytecode pattern and
// extracts the embedded target, comparing it against the endpoint's
// whitelisted templates (spec.md §4.5 step 2, §8 scenario C).
func matchesTemplate(code []byte, templates []common.Address) bool {
	const proxyLen = 45
	if len(code) != proxyLen {
		return false
	}
	if !bytes.HasPrefix(code, proxyPrefix) || !bytes.HasSuffix(code, proxySuffix) {
		return false
	}
	target := common.BytesToAddress(code[len(proxyPrefix) : proxyLen-len(proxySuffix)])
	for _, t := range templates {
		if t == target {
			return true
		}
	}
	return false
}

func (d *Discoverer) resolveToAsset(ctx context.Context, vault common.Address, idx uint8) (common.Address, error) {
	key := tokenIndexKey{vault: vault, idx: idx}
	if cached, ok := d.toAssets.Get(key); ok {
		return cached.(common.Address), nil
	}
	asset, err := d.client.TokenIndexing(ctx, vault, idx)
	if err != nil {
		return common.Address{}, fmt.Errorf("discover: _tokenIndexing: %w", err)
	}
	d.toAssets.Add(key, asset)
	return asset, nil
}

// errRejected marks a terminal, non-retryable rejection (no configured
// endpoint, or vault validation failed) so the queue handler classifies
// it as Rejected rather than Failed.
type errRejected struct{ reason string }

func (e errRejected) Error() string { return e.reason }

// Process implements one Discover attempt for order (spec.md §4.5).
func (d *Discoverer) Process(ctx context.Context, order chain.DiscoverOrder) (chain.EvalOrder, error) {
	ep, ok := d.endpoints[order.InterfaceAddress]
	if !ok {
		return chain.EvalOrder{}, errRejected{fmt.Sprintf("discover: no configured endpoint for interface %s", order.InterfaceAddress.Hex())}
	}

	details := order.Swap.AMBMessageSendAssetDetails
	if details == nil {
		return chain.EvalOrder{}, errRejected{"discover: swap has no ambMessageSendAssetDetails"}
	}
	toVault := payload.NarrowToAddress(details.ToVault)

	valid, err := d.validateVault(ctx, ep, toVault)
	if err != nil {
		return chain.EvalOrder{}, err
	}
	if !valid {
		return chain.EvalOrder{}, errRejected{fmt.Sprintf("discover: vault %s failed factory/template validation", toVault.Hex())}
	}

	toAsset, err := d.resolveToAsset(ctx, toVault, details.ToAssetIndex)
	if err != nil {
		return chain.EvalOrder{}, err
	}

	toAccount := payload.NarrowToAddress(details.ToAccount)
	underwriteID, err := payload.UnderwriteID(toVault, toAsset, details.Units.Int, details.MinOut.Int, toAccount, details.UnderwritingIncentiveX16, details.Calldata)
	if err != nil {
		return chain.EvalOrder{}, fmt.Errorf("discover: compute underwriteId: %w", err)
	}

	desc := chain.SwapDescription{FromChainID: order.Swap.FromChainID, FromVault: order.Swap.FromVault, SwapID: order.Swap.SwapID}
	if err := d.index.SaveSwapDescriptionByExpectedUnderwrite(d.toChainID, ep.InterfaceAddress, underwriteID, desc); err != nil {
		return chain.EvalOrder{}, fmt.Errorf("discover: persist expected-underwrite index: %w", err)
	}

	sourceIdentifier := ep.ChannelsOnDestination[order.Swap.FromChainID]

	relayCosts := chain.RelayDeliveryCosts{}
	if ep.RelayDeliveryCosts != nil {
		relayCosts = *ep.RelayDeliveryCosts
	}

	return chain.EvalOrder{
		DiscoverOrder:        order,
		ToAsset:              toAsset,
		ExpectedUnderwriteID: underwriteID,
		RelayDeliveryCosts:   relayCosts,
		SourceIdentifier:     sourceIdentifier,
		AMB:                  order.Swap.AMB,
		Deadline:             order.Swap.Deadline,
	}, nil
}

// IsRejected reports whether err is a terminal Discover rejection
// (used by the handler wiring HandleFailedOrder).
func IsRejected(err error) bool {
	_, ok := err.(errRejected)
	return ok
}
