// Package config loads the underwriter's TOML configuration (spec.md
// §6 "Recognized configuration options") with github.com/BurntSushi/toml,
// the same decoder the teacher repo uses for its own node/genesis
// configuration files.
package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Duration wraps time.Duration so it can be read from TOML as a Go
// duration string ("30s", "5m") rather than a raw integer of
// ambiguous unit.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// BigInt wraps math/big.Int for TOML decimal-string fields (fee,
// value, minUnderwriteReward and similar token-unit quantities too
// large for a machine integer).
type BigInt struct {
	*big.Int
}

func (b *BigInt) UnmarshalText(text []byte) error {
	v, ok := new(big.Int).SetString(string(text), 10)
	if !ok {
		return fmt.Errorf("config: invalid integer %q", text)
	}
	b.Int = v
	return nil
}

// RelayDeliveryCosts is the AMB relay cost model for one endpoint or
// one chain-level default (spec.md §6).
type RelayDeliveryCosts struct {
	GasUsage    uint64  `toml:"gasUsage"`
	GasObserved uint64  `toml:"gasObserved"`
	Fee         *BigInt `toml:"fee"`
	Value       *BigInt `toml:"value"`
}

// TokenOverride carries per-token policy overrides (spec.md §6 `tokens{}`).
type TokenOverride struct {
	TokenID                 string   `toml:"tokenId"`
	AllowanceBuffer         *float64 `toml:"allowanceBuffer"`
	MaxUnderwriteAllowed    *BigInt  `toml:"maxUnderwriteAllowed"`
	MinUnderwriteReward     *BigInt  `toml:"minUnderwriteReward"`
	RelativeMinUnderwriteReward *float64 `toml:"relativeMinUnderwriteReward"`
	LowTokenBalanceWarning  *BigInt  `toml:"lowTokenBalanceWarning"`
}

// Endpoint describes one source-chain counterparty this destination
// chain's interface trusts (spec.md §6 `endpoints[]`).
type Endpoint struct {
	InterfaceAddress        common.Address    `toml:"interfaceAddress"`
	IncentivesAddress       common.Address    `toml:"incentivesAddress"`
	FactoryAddress          common.Address    `toml:"factoryAddress"`
	VaultTemplates          []common.Address  `toml:"vaultTemplates"`
	ChannelsOnDestination   map[string]string `toml:"channelsOnDestination"`
	RelayDeliveryCosts      *RelayDeliveryCosts `toml:"relayDeliveryCosts"`
}

// ChainConfig is the full recognized option set for one destination chain.
type ChainConfig struct {
	ChainID uint64 `toml:"chainId"`

	RPC      string  `toml:"rpc"`
	Resolver *string `toml:"resolver"`

	StartingBlock *int64 `toml:"startingBlock"`

	RetryInterval      Duration `toml:"retryInterval"`
	ProcessingInterval Duration `toml:"processingInterval"`
	MaxBlocks          *uint64  `toml:"maxBlocks"`

	MaxPendingTransactions int `toml:"maxPendingTransactions"`
	MaxTries               int `toml:"maxTries"`

	MinRelayDeadlineDuration Duration `toml:"minRelayDeadlineDuration"`
	MinMaxGasDelivery        uint64   `toml:"minMaxGasDelivery"`

	UnderwriteDelay       Duration `toml:"underwriteDelay"`
	MaxUnderwriteDelay    Duration `toml:"maxUnderwriteDelay"`
	MaxSubmissionDelay    Duration `toml:"maxSubmissionDelay"`

	UnderwritingCollateral *BigInt  `toml:"underwritingCollateral"`
	AllowanceBuffer        float64  `toml:"allowanceBuffer"`
	MaxUnderwriteAllowed   *BigInt  `toml:"maxUnderwriteAllowed"`
	MinUnderwriteReward    *BigInt  `toml:"minUnderwriteReward"`
	RelativeMinUnderwriteReward float64 `toml:"relativeMinUnderwriteReward"`
	ProfitabilityFactor    float64  `toml:"profitabilityFactor"`

	LowTokenBalanceWarning    *BigInt  `toml:"lowTokenBalanceWarning"`
	TokenBalanceUpdateInterval int     `toml:"tokenBalanceUpdateInterval"`

	// RelayPrioritisation gates the post-submission prioritiseAMBMessage
	// call (spec.md §4.7): this chain's AMB is asked to prioritise
	// delivery of the matching message only when true.
	RelayPrioritisation bool `toml:"relayPrioritisation"`

	RelayDeliveryCosts RelayDeliveryCosts         `toml:"relayDeliveryCosts"`
	Tokens             map[string]TokenOverride   `toml:"tokens"`
	Endpoints          []Endpoint                 `toml:"endpoints"`
}

// Config is the top-level document: one [chains.<name>] table per
// destination chain, plus process-wide settings shared by every chain.
type Config struct {
	Store struct {
		Addr string `toml:"addr"`
		DB   int    `toml:"db"`
	} `toml:"store"`

	Relayer struct {
		WebsocketURL string `toml:"websocketUrl"`
		HTTPURL      string `toml:"httpUrl"`
	} `toml:"relayer"`

	Admin struct {
		ListenAddr string `toml:"listenAddr"`
	} `toml:"admin"`

	Wallet struct {
		Address common.Address `toml:"address"`
	} `toml:"wallet"`

	Chains map[string]ChainConfig `toml:"chains"`
}

// Load parses a TOML configuration file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s: unrecognized keys: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the cross-field constraints spec.md §6 calls out
// explicitly (minRelayDeadlineDuration's 1h floor, gasObserved's
// gasUsage ceiling) plus the presence of fields with no sane zero value.
func (c *Config) Validate() error {
	for name, chain := range c.Chains {
		if chain.RPC == "" {
			return fmt.Errorf("config: chain %q: rpc is required", name)
		}
		if chain.MinRelayDeadlineDuration.Duration < time.Hour {
			return fmt.Errorf("config: chain %q: minRelayDeadlineDuration must be >= 1h", name)
		}
		if chain.RelayDeliveryCosts.GasObserved > chain.RelayDeliveryCosts.GasUsage {
			return fmt.Errorf("config: chain %q: relayDeliveryCosts.gasObserved must be <= gasUsage", name)
		}
		if chain.MaxPendingTransactions <= 0 {
			return fmt.Errorf("config: chain %q: maxPendingTransactions must be > 0", name)
		}
		if chain.MaxTries <= 0 {
			return fmt.Errorf("config: chain %q: maxTries must be > 0", name)
		}
		for _, ep := range chain.Endpoints {
			if ep.RelayDeliveryCosts != nil && ep.RelayDeliveryCosts.GasObserved > ep.RelayDeliveryCosts.GasUsage {
				return fmt.Errorf("config: chain %q: endpoint %s: relayDeliveryCosts.gasObserved must be <= gasUsage", name, ep.InterfaceAddress.Hex())
			}
		}
	}
	return nil
}

// EffectiveRelayDeliveryCosts returns the endpoint-level override when
// present, falling back to the chain-level default (spec.md §6
// `endpoints[].relayDeliveryCosts?`).
func (ep Endpoint) EffectiveRelayDeliveryCosts(chainDefault RelayDeliveryCosts) RelayDeliveryCosts {
	if ep.RelayDeliveryCosts != nil {
		return *ep.RelayDeliveryCosts
	}
	return chainDefault
}
