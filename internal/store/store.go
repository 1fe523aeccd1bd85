package store

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/go-redis/redis"

	"github.com/catalystdao/underwriter/internal/chain"
)

var logger = log.New("component", "store")

// LocalEvent mirrors one Redis-published message for in-process
// subscribers that share this binary with the Store and don't need a
// round trip through Redis to observe it (e.g. an admin status
// endpoint reporting the last few onSendAsset messages).
type LocalEvent struct {
	Channel string
	Payload []byte
}

// Store is a typed wrapper over a Redis key-value store with
// publish/subscribe (spec.md §4.1). Two client handles are kept: rw
// serves reads/writes, and subConn is dedicated to subscriptions — a
// subscribed Redis connection cannot serve ordinary commands, so the
// two must never be shared (spec.md §4.1 "on").
type Store struct {
	rw      *redis.Client
	subConn *redis.Client

	localFeed event.Feed
}

// SubscribeLocal fans LocalEvents out to ch in-process, alongside the
// Redis publish every postMessage call already does. The returned
// Subscription must be closed by the caller.
func (s *Store) SubscribeLocal(ch chan<- LocalEvent) event.Subscription {
	return s.localFeed.Subscribe(ch)
}

// New dials two independent clients against the same Redis endpoint:
// one for reads/writes, one reserved for subscriptions.
func New(addr string, db int) (*Store, error) {
	opts := &redis.Options{Addr: addr, DB: db}
	rw := redis.NewClient(opts)
	if err := rw.Ping().Err(); err != nil {
		return nil, fmt.Errorf("store: connect rw client: %w", err)
	}
	sub := redis.NewClient(opts)
	if err := sub.Ping().Err(); err != nil {
		return nil, fmt.Errorf("store: connect subscribe client: %w", err)
	}
	return &Store{rw: rw, subConn: sub}, nil
}

func (s *Store) Close() error {
	err1 := s.rw.Close()
	err2 := s.subConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Store) postMessage(channel string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal %s payload: %w", channel, err)
	}
	if err := s.rw.Publish(channel, string(b)).Err(); err != nil {
		return fmt.Errorf("store: publish %s: %w", channel, err)
	}
	s.localFeed.Send(LocalEvent{Channel: channel, Payload: b})
	return nil
}

// PostMessage publishes an arbitrary payload to channel.
func (s *Store) PostMessage(channel string, payload interface{}) error {
	return s.postMessage(channel, payload)
}

func (s *Store) publishKeyEvent(key string, action KeyAction) {
	type keyEvent struct {
		Key    string    `json:"key"`
		Action KeyAction `json:"action"`
	}
	if err := s.postMessage(ChannelKey, keyEvent{Key: key, Action: action}); err != nil {
		logger.Warn("failed to publish key event", "key", key, "action", action, "err", err)
	}
}

func (s *Store) set(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal value for %s: %w", key, err)
	}
	if err := s.rw.Set(key, string(b), 0).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	s.publishKeyEvent(key, KeyActionSet)
	return nil
}

func (s *Store) del(key string) error {
	if err := s.rw.Del(key).Err(); err != nil {
		return fmt.Errorf("store: del %s: %w", key, err)
	}
	s.publishKeyEvent(key, KeyActionDel)
	return nil
}

func (s *Store) getInto(key string, v interface{}) (bool, error) {
	raw, err := s.rw.Get(key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("store: unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Subscription is a handle to a store pub/sub channel.
type Subscription struct {
	ps *redis.PubSub
}

// On subscribes to channel on the dedicated subscription connection
// and invokes callback for every message received, until the returned
// Subscription is closed.
func (s *Store) On(channel string, callback func(payload []byte)) (*Subscription, error) {
	ps := s.subConn.Subscribe(channel)
	if _, err := ps.Receive(); err != nil {
		return nil, fmt.Errorf("store: subscribe %s: %w", channel, err)
	}
	go func() {
		ch := ps.Channel()
		for msg := range ch {
			callback([]byte(msg.Payload))
		}
	}()
	return &Subscription{ps: ps}, nil
}

func (sub *Subscription) Close() error {
	return sub.ps.Close()
}

// Subscribe wraps On, discarding the subscription handle, matching the
// narrow Subscribe surface internal/worker depends on — the worker
// never unsubscribes during its lifetime.
func (s *Store) Subscribe(channel string, callback func(payload []byte)) error {
	_, err := s.On(channel, callback)
	return err
}

// --- SwapState ---

// GetSwapState returns the current SwapState for the given key, or
// (nil, nil) if no entry exists.
func (s *Store) GetSwapState(fromChainID uint64, fromVault common.Address, swapID common.Hash) (*chain.SwapState, error) {
	var v chain.SwapState
	ok, err := s.getInto(swapKey(fromChainID, fromVault, swapID), &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

// SaveSwapState merges next into any existing SwapState at the same
// key: non-nil event sub-records in next replace the existing ones,
// status is recomputed from the presence of ReceiveAssetEvent, and if
// the merged value carries AMBMessageSendAssetDetails, onSendAsset is
// published with the corresponding SwapDescription (spec.md §4.1).
func (s *Store) SaveSwapState(next chain.SwapState) error {
	key := swapKey(next.FromChainID, next.FromVault, next.SwapID)

	existing, err := s.GetSwapState(next.FromChainID, next.FromVault, next.SwapID)
	if err != nil {
		return err
	}

	merged := mergeSwapState(existing, next)

	if err := s.set(key, merged); err != nil {
		return err
	}

	if merged.AMBMessageSendAssetDetails != nil {
		desc := chain.SwapDescription{
			FromChainID: merged.FromChainID,
			FromVault:   merged.FromVault,
			SwapID:      merged.SwapID,
		}
		if err := s.postMessage(ChannelOnSendAsset, desc); err != nil {
			logger.Warn("failed to publish onSendAsset", "err", err)
		}
	}
	return nil
}

// --- UnderwriteState ---

// GetActiveUnderwriteState returns the current active UnderwriteState,
// or (nil, nil) if none exists (it may already have moved to the
// completed key space).
func (s *Store) GetActiveUnderwriteState(toChainID uint64, toInterface common.Address, underwriteID common.Hash) (*chain.UnderwriteState, error) {
	var v chain.UnderwriteState
	ok, err := s.getInto(activeUnderwriteKey(toChainID, toInterface, underwriteID), &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

// ErrBothTerminalEvents is returned when a merge would leave both
// FulfillUnderwriteEvent and ExpireUnderwriteEvent set — an invariant
// violation per spec.md §3 and §7.
var ErrBothTerminalEvents = fmt.Errorf("store: underwrite state has both fulfill and expire events")

// SaveActiveUnderwriteState merges next's event sub-records
// chronologically into the active UnderwriteState. If the merge would
// set both FulfillUnderwriteEvent and ExpireUnderwriteEvent, it fails
// with ErrBothTerminalEvents and leaves the store unchanged. On a
// terminal transition the active key is deleted and the completed key
// (suffixed by the underwrite tx hash) is written, mirroring the
// expected-underwrite→swap index to its completed form, and
// onSwapUnderwriteComplete is published. onSwapUnderwritten is always
// published when the merge introduces a SwapUnderwrittenEvent
// (spec.md §4.1).
func (s *Store) SaveActiveUnderwriteState(next chain.UnderwriteState) error {
	existing, err := s.GetActiveUnderwriteState(next.ToChainID, next.ToInterface, next.UnderwriteID)
	if err != nil {
		return err
	}

	merged, introducedUnderwritten, err := mergeUnderwriteState(existing, next)
	if err != nil {
		logger.Error("invariant violation: underwrite has both fulfill and expire events",
			"toChainId", next.ToChainID, "toInterface", next.ToInterface.Hex(), "underwriteId", next.UnderwriteID.Hex())
		return err
	}

	activeKey := activeUnderwriteKey(next.ToChainID, next.ToInterface, next.UnderwriteID)

	if merged.IsTerminal() {
		txHash := merged.TerminalTxHash()
		completedKey := completedUnderwriteKey(next.ToChainID, next.ToInterface, next.UnderwriteID, txHash)
		if err := s.set(completedKey, merged); err != nil {
			return err
		}
		if existing != nil {
			if err := s.del(activeKey); err != nil {
				return err
			}
		}
		if err := s.mirrorExpectedIndexToCompleted(next.ToChainID, next.ToInterface, next.UnderwriteID, txHash); err != nil {
			logger.Warn("failed to mirror expected-underwrite index to completed", "err", err)
		}
		if err := s.postMessage(ChannelOnSwapUnderwriteComplete, merged); err != nil {
			logger.Warn("failed to publish onSwapUnderwriteComplete", "err", err)
		}
	} else {
		if err := s.set(activeKey, merged); err != nil {
			return err
		}
	}

	if introducedUnderwritten {
		if err := s.postMessage(ChannelOnSwapUnderwritten, merged); err != nil {
			logger.Warn("failed to publish onSwapUnderwritten", "err", err)
		}
	}
	return nil
}

// --- expected/completed underwrite -> swap forward index ---

// GetSwapDescriptionByExpectedUnderwrite resolves the forward index
// Discover (C5) writes so the expirer can recover the originating swap
// from an underwriteId alone.
func (s *Store) GetSwapDescriptionByExpectedUnderwrite(toChainID uint64, toInterface common.Address, underwriteID common.Hash) (*chain.SwapDescription, error) {
	var v chain.SwapDescription
	ok, err := s.getInto(expectedUnderwriteToSwapKey(toChainID, toInterface, underwriteID), &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

// SaveSwapDescriptionByExpectedUnderwrite writes the forward index.
func (s *Store) SaveSwapDescriptionByExpectedUnderwrite(toChainID uint64, toInterface common.Address, underwriteID common.Hash, desc chain.SwapDescription) error {
	return s.set(expectedUnderwriteToSwapKey(toChainID, toInterface, underwriteID), desc)
}

// GetSwapDescriptionByCompletedUnderwrite resolves the completed
// variant of the forward index.
func (s *Store) GetSwapDescriptionByCompletedUnderwrite(toChainID uint64, toInterface common.Address, underwriteID, txHash common.Hash) (*chain.SwapDescription, error) {
	var v chain.SwapDescription
	ok, err := s.getInto(completedUnderwriteToSwapKey(toChainID, toInterface, underwriteID, txHash), &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

func (s *Store) mirrorExpectedIndexToCompleted(toChainID uint64, toInterface common.Address, underwriteID, txHash common.Hash) error {
	desc, err := s.GetSwapDescriptionByExpectedUnderwrite(toChainID, toInterface, underwriteID)
	if err != nil {
		return err
	}
	if desc == nil {
		return nil
	}
	if err := s.set(completedUnderwriteToSwapKey(toChainID, toInterface, underwriteID, txHash), *desc); err != nil {
		return err
	}
	return s.del(expectedUnderwriteToSwapKey(toChainID, toInterface, underwriteID))
}
