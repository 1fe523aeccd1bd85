// Command underwriter runs one underwriter pipeline per configured
// destination chain: listener, worker, the shared store, and the
// admin HTTP surface (spec.md §5 "one OS-thread-equivalent per
// destination chain, sharing only the Store and the wallet").
package main

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	ethprometheus "github.com/ethereum/go-ethereum/metrics/prometheus"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/catalystdao/underwriter/internal/admin"
	"github.com/catalystdao/underwriter/internal/blockmonitor"
	"github.com/catalystdao/underwriter/internal/chain"
	"github.com/catalystdao/underwriter/internal/config"
	"github.com/catalystdao/underwriter/internal/discover"
	"github.com/catalystdao/underwriter/internal/eval"
	"github.com/catalystdao/underwriter/internal/listener"
	"github.com/catalystdao/underwriter/internal/relayer"
	"github.com/catalystdao/underwriter/internal/rpcclient"
	"github.com/catalystdao/underwriter/internal/store"
	"github.com/catalystdao/underwriter/internal/tokens"
	"github.com/catalystdao/underwriter/internal/underwrite"
	"github.com/catalystdao/underwriter/internal/walletmanager"
	"github.com/catalystdao/underwriter/internal/worker"
)

var logger = log.New("component", "main")

func main() {
	app := &cli.App{
		Name:  "underwriter",
		Usage: "cross-chain swap underwriter pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to the TOML configuration file"},
			&cli.StringFlag{Name: "wallet-key", EnvVars: []string{"UNDERWRITER_WALLET_KEY"}, Required: true, Usage: "hex-encoded wallet private key"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.Crit("exiting", "err", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(cfg.Store.Addr, cfg.Store.DB)
	if err != nil {
		return fmt.Errorf("main: connect store: %w", err)
	}
	defer st.Close()

	relay := relayer.New(cfg.Relayer.WebsocketURL, cfg.Relayer.HTTPURL, 5*time.Second)

	fanout := &controllerFanout{}
	adminServer := admin.New(fanout)
	go serveAdmin(cfg.Admin.ListenAddr, adminServer)
	go serveMetrics(cfg.Admin.ListenAddr)
	go watchLocalEvents(ctx, st)

	var wg sync.WaitGroup
	for name, chainCfg := range cfg.Chains {
		chainCfg := chainCfg
		p, err := newPipeline(name, chainCfg, cfg.Wallet.Address, c.String("wallet-key"), st, relay)
		if err != nil {
			return fmt.Errorf("main: chain %q: %w", name, err)
		}
		fanout.add(p.worker)

		wg.Add(1)
		go func() {
			defer wg.Done()
			p.run(ctx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for chains to stop")
	wg.Wait()
	return nil
}

// pipeline bundles the per-chain components one destination chain's
// underwriter needs: the listener and worker run as sibling goroutines
// sharing only the Store and the wallet (spec.md §5).
type pipeline struct {
	name     string
	listener *listener.Listener
	monitor  *blockmonitor.Monitor
	worker   *worker.Worker
}

func newPipeline(name string, cfg config.ChainConfig, configuredWallet common.Address, walletKeyHex string, st *store.Store, relay *relayer.Client) (*pipeline, error) {
	rpc, err := rpcclient.Dial(cfg.RPC)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	wallet, err := walletmanager.New(rpc, walletKeyHex, new(big.Int).SetUint64(cfg.ChainID), 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("construct wallet: %w", err)
	}
	walletAddress := wallet.Address()
	if configuredWallet != (common.Address{}) && configuredWallet != walletAddress {
		return nil, fmt.Errorf("configured wallet address %s does not match address %s derived from wallet-key", configuredWallet.Hex(), walletAddress.Hex())
	}

	monitor := blockmonitor.New(rpc, 12*time.Second)

	endpoints := toChainEndpoints(cfg.Endpoints, cfg.RelayDeliveryCosts)

	lst, err := listener.New(rpc, monitor, relay, st, listener.Params{
		SelfChainID:        cfg.ChainID,
		Interfaces:         interfaceAddresses(endpoints),
		MaxBlocks:          derefUint64(cfg.MaxBlocks, 1000),
		RetryInterval:      cfg.RetryInterval.Duration,
		ProcessingInterval: cfg.ProcessingInterval.Duration,
		StartingBlock:      cfg.StartingBlock,
	}, endpoints)
	if err != nil {
		return nil, fmt.Errorf("construct listener: %w", err)
	}

	discoverer, err := discover.New(rpc, st, cfg.ChainID, endpoints)
	if err != nil {
		return nil, fmt.Errorf("construct discoverer: %w", err)
	}

	tokenHandler := tokens.New(rpc, wallet, walletAddress, cfg.TokenBalanceUpdateInterval, bigIntOrNil(cfg.LowTokenBalanceWarning))

	// The underwriter interface contract is deployed at the same address
	// on every chain via deterministic deployment, so any configured
	// endpoint's interfaceAddress also names this chain's own interface.
	var selfInterface common.Address
	if len(endpoints) > 0 {
		selfInterface = endpoints[0].InterfaceAddress
	}

	evaluator := eval.New(rpc, tokenHandler, eval.Params{
		MaxGasLimit:              deriveMaxGasLimit(cfg),
		ProfitabilityFactor:      cfg.ProfitabilityFactor,
		MinMaxGasDelivery:        cfg.MinMaxGasDelivery,
		MinRelayDeadlineDuration: cfg.MinRelayDeadlineDuration.Duration,
		MaxSubmissionDelay:       cfg.MaxSubmissionDelay.Duration,
		WalletAddress:            walletAddress,
		InterfaceAddress:         selfInterface,
	}, tokenPolicies(cfg))

	underwriter := underwrite.New(wallet, relay, cfg.RelayPrioritisation, log.New("component", "underwrite", "chainId", cfg.ChainID))

	w := worker.New(st, tokenHandler, discoverer, evaluator, underwriter, worker.Params{
		SelfChainID:            cfg.ChainID,
		MaxPendingTransactions: cfg.MaxPendingTransactions,
		MaxTries:               cfg.MaxTries,
		RetryInterval:          cfg.RetryInterval.Duration,
		ProcessingInterval:     cfg.ProcessingInterval.Duration,
		UnderwriteDelay:        cfg.UnderwriteDelay.Duration,
	})

	return &pipeline{name: name, listener: lst, monitor: monitor, worker: w}, nil
}

func (p *pipeline) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := p.monitor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("block monitor stopped", "chain", p.name, "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := p.listener.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("listener stopped", "chain", p.name, "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := p.worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("worker stopped", "chain", p.name, "err", err)
		}
	}()
	wg.Wait()
}

// controllerFanout presents a set of per-chain worker.Worker instances
// as a single admin.Controller: admin.New takes exactly one Controller,
// but each destination chain owns its own worker, so every command is
// simply forwarded to every registered worker, which each already
// no-op when chainIDs doesn't name their own chain id.
type controllerFanout struct {
	mu      sync.Mutex
	workers []*worker.Worker
}

func (f *controllerFanout) add(w *worker.Worker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers = append(f.workers, w)
}

func (f *controllerFanout) SetUnderwritingEnabled(chainIDs []uint64, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.workers {
		w.SetUnderwritingEnabled(chainIDs, enabled)
	}
}

func serveAdmin(addr string, handler http.Handler) {
	if addr == "" {
		return
	}
	if err := http.ListenAndServe(addr, handler); err != nil && err != http.ErrServerClosed {
		logger.Error("admin server stopped", "err", err)
	}
}

// serveMetrics exposes the go-ethereum/metrics default registry (fed
// by internal/queue's per-queue outcome counters and watchLocalEvents'
// per-channel store event counters) via metrics/prometheus, plus the standard
// prometheus/client_golang process/Go runtime collectors, on the admin
// listener's port offset by one so both surfaces can share a host.
func serveMetrics(adminAddr string) {
	if adminAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", ethprometheus.Handler(gethmetrics.DefaultRegistry))
	mux.Handle("/client-metrics", promhttp.Handler())
	if err := http.ListenAndServe(metricsAddr(adminAddr), mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", "err", err)
	}
}

// metricsAddr derives the metrics listener address from the admin
// listener's by incrementing its port by one, so configuring a single
// admin.listenAddr is enough to stand up both HTTP surfaces.
func metricsAddr(adminAddr string) string {
	host, portStr, err := net.SplitHostPort(adminAddr)
	if err != nil {
		logger.Warn("could not parse admin listen address for metrics port", "addr", adminAddr, "err", err)
		return adminAddr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logger.Warn("could not parse admin listen port for metrics port", "addr", adminAddr, "err", err)
		return adminAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1))
}

// watchLocalEvents counts every in-process Store publication by
// channel, giving the metrics surface visibility into pub/sub traffic
// without every consumer needing its own counter (spec.md §6 domain
// stack: go-ethereum/event fan-out feeding go-ethereum/metrics).
func watchLocalEvents(ctx context.Context, st *store.Store) {
	ch := make(chan store.LocalEvent, 64)
	sub := st.SubscribeLocal(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			gethmetrics.GetOrRegisterCounter(fmt.Sprintf("underwriter/store/events/%s", ev.Channel), nil).Inc(1)
		case err := <-sub.Err():
			if err != nil {
				logger.Warn("local event subscription error", "err", err)
			}
			return
		}
	}
}

// toChainEndpoints folds each endpoint's relayDeliveryCosts override
// over the chain-level default (config.Endpoint.EffectiveRelayDeliveryCosts)
// so an endpoint with no override still carries the chain's costs
// through to Discover/Eval instead of an empty chain.RelayDeliveryCosts{}.
func toChainEndpoints(eps []config.Endpoint, chainDefault config.RelayDeliveryCosts) []chain.Endpoint {
	out := make([]chain.Endpoint, len(eps))
	for i, ep := range eps {
		channels := make(map[uint64][32]byte, len(ep.ChannelsOnDestination))
		for chainIDStr, channelHex := range ep.ChannelsOnDestination {
			chainID, err := strconv.ParseUint(chainIDStr, 10, 64)
			if err != nil {
				logger.Warn("skipping malformed channelsOnDestination chain id", "value", chainIDStr, "err", err)
				continue
			}
			raw, err := hexutil.Decode(channelHex)
			if err != nil || len(raw) != 32 {
				logger.Warn("skipping malformed channelsOnDestination channel id", "value", channelHex, "err", err)
				continue
			}
			var channel [32]byte
			copy(channel[:], raw)
			channels[chainID] = channel
		}
		effective := ep.EffectiveRelayDeliveryCosts(chainDefault)
		out[i] = chain.Endpoint{
			InterfaceAddress:      ep.InterfaceAddress,
			IncentivesAddress:     ep.IncentivesAddress,
			FactoryAddress:        ep.FactoryAddress,
			VaultTemplates:        ep.VaultTemplates,
			ChannelsOnDestination: channels,
			RelayDeliveryCosts:    toChainRelayCosts(effective),
		}
	}
	return out
}

func toChainRelayCosts(rc config.RelayDeliveryCosts) *chain.RelayDeliveryCosts {
	out := &chain.RelayDeliveryCosts{GasUsage: rc.GasUsage, GasObserved: rc.GasObserved}
	if rc.Fee != nil {
		out.Fee = rc.Fee.Int
	}
	if rc.Value != nil {
		out.Value = rc.Value.Int
	}
	return out
}

func interfaceAddresses(eps []chain.Endpoint) []common.Address {
	out := make([]common.Address, len(eps))
	for i, ep := range eps {
		out[i] = ep.InterfaceAddress
	}
	return out
}

func tokenPolicies(cfg config.ChainConfig) map[common.Address]eval.TokenPolicy {
	out := make(map[common.Address]eval.TokenPolicy, len(cfg.Tokens))
	for tokenID, override := range cfg.Tokens {
		policy := eval.TokenPolicy{
			AllowanceBuffer:             cfg.AllowanceBuffer,
			MaxUnderwriteAllowed:        bigIntOrNil(cfg.MaxUnderwriteAllowed),
			MinUnderwriteReward:         bigIntOrNil(cfg.MinUnderwriteReward),
			RelativeMinUnderwriteReward: cfg.RelativeMinUnderwriteReward,
		}
		if override.AllowanceBuffer != nil {
			policy.AllowanceBuffer = *override.AllowanceBuffer
		}
		if override.MaxUnderwriteAllowed != nil {
			policy.MaxUnderwriteAllowed = override.MaxUnderwriteAllowed.Int
		}
		if override.MinUnderwriteReward != nil {
			policy.MinUnderwriteReward = override.MinUnderwriteReward.Int
		}
		if override.RelativeMinUnderwriteReward != nil {
			policy.RelativeMinUnderwriteReward = *override.RelativeMinUnderwriteReward
		}
		out[common.HexToAddress(tokenID)] = policy
	}
	return out
}

func bigIntOrNil(b *config.BigInt) *big.Int {
	if b == nil {
		return nil
	}
	return b.Int
}

func derefUint64(v *uint64, fallback uint64) uint64 {
	if v == nil {
		return fallback
	}
	return *v
}

func deriveMaxGasLimit(cfg config.ChainConfig) uint64 {
	if cfg.RelayDeliveryCosts.GasUsage > 0 {
		return cfg.RelayDeliveryCosts.GasUsage * 10
	}
	return 8_000_000
}
