package bundle

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/flashbots"
	"github.com/lmittmann/w3"

	"github.com/MingZoox/market-maker/internal/pkg/apperrors"
)

// DefaultBuilders is the builder set bundles go to when none are configured.
var DefaultBuilders = []string{
	"https://relay.flashbots.net",
	"https://builder0x69.io",
	"https://rpc.beaverbuild.org",
	"https://rsync-builder.xyz",
	"https://rpc.titanbuilder.xyz",
	"https://eth-builder.com",
	"https://rpc.payload.de",
	"https://rpc.f1b.io",
	"https://builder.gmbit.co/rpc",
	"https://buildai.net",
}

// Relay is one bundle endpoint. Narrow so tests can stub the network away.
type Relay interface {
	URL() string
	SendBundle(ctx context.Context, rawTxs [][]byte, blockNumber *big.Int, revertingHashes []common.Hash) (common.Hash, error)
	CallBundle(ctx context.Context, rawTxs [][]byte, blockNumber *big.Int) error
	BundleStats(ctx context.Context, bundleHash common.Hash, blockNumber *big.Int) (flashbots.BundleStatsV2Response, error)
}

type flashbotsRelay struct {
	url    string
	client *w3.Client
}

// DialRelays connects the configured builder URLs, authenticating with the
// given signing key. Builders that fail to dial are skipped with an error
// only when none remain.
func DialRelays(urls []string, key *ecdsa.PrivateKey) ([]Relay, error) {
	if len(urls) == 0 {
		urls = DefaultBuilders
	}
	relays := make([]Relay, 0, len(urls))
	var lastErr error
	for _, url := range urls {
		client, err := flashbots.Dial(url, key)
		if err != nil {
			lastErr = err
			continue
		}
		relays = append(relays, &flashbotsRelay{url: url, client: client})
	}
	if len(relays) == 0 {
		return nil, apperrors.New(apperrors.ErrRelayAuth, "no builder endpoint reachable", lastErr)
	}
	return relays, nil
}

func (r *flashbotsRelay) URL() string { return r.url }

func (r *flashbotsRelay) SendBundle(ctx context.Context, rawTxs [][]byte, blockNumber *big.Int, revertingHashes []common.Hash) (common.Hash, error) {
	var bundleHash common.Hash
	err := r.client.CallCtx(ctx, flashbots.SendBundle(&flashbots.SendBundleRequest{
		RawTransactions:   rawTxs,
		BlockNumber:       blockNumber,
		RevertingTxHashes: revertingHashes,
	}).Returns(&bundleHash))
	return bundleHash, err
}

func (r *flashbotsRelay) CallBundle(ctx context.Context, rawTxs [][]byte, blockNumber *big.Int) error {
	var resp *flashbots.CallBundleResponse
	return r.client.CallCtx(ctx, flashbots.CallBundle(&flashbots.CallBundleRequest{
		RawTransactions: rawTxs,
		BlockNumber:     blockNumber,
	}).Returns(&resp))
}

func (r *flashbotsRelay) BundleStats(ctx context.Context, bundleHash common.Hash, blockNumber *big.Int) (flashbots.BundleStatsV2Response, error) {
	var stats *flashbots.BundleStatsV2Response
	err := r.client.CallCtx(ctx, flashbots.BundleStatsV2(bundleHash, blockNumber).Returns(&stats))
	if stats == nil {
		return flashbots.BundleStatsV2Response{}, err
	}
	return *stats, err
}
