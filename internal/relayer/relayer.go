// Package relayer implements chain.Relayer against a real AMB relayer
// service: a WebSocket feed of ambMessage events (spec.md §6 "Relayer
// interfaces", inbound) and an HTTP POST prioritisation endpoint
// (outbound).
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"

	"github.com/catalystdao/underwriter/internal/chain"
)

// Client implements chain.Relayer.
type Client struct {
	wsURL   string
	httpURL string

	retryInterval time.Duration
	httpClient    *http.Client

	log log.Logger
}

func New(wsURL, httpURL string, retryInterval time.Duration) *Client {
	return &Client{
		wsURL:         wsURL,
		httpURL:       httpURL,
		retryInterval: retryInterval,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		log:           log.New("component", "relayer"),
	}
}

// ambMessageWire is the JSON shape documented in spec.md §6.
type ambMessageWire struct {
	MessageIdentifier      common.Hash    `json:"messageIdentifier"`
	AMB                    string         `json:"amb"`
	FromChainID            uint64         `json:"fromChainId"`
	ToChainID              uint64         `json:"toChainId"`
	FromIncentivesAddress  common.Address `json:"fromIncentivesAddress"`
	FromApplicationAddress common.Address `json:"fromApplicationAddress"`
	IncentivesPayload      string         `json:"incentivesPayload"`
	BlockNumber            uint64         `json:"blockNumber"`
	BlockHash              common.Hash    `json:"blockHash"`
	TransactionHash        common.Hash    `json:"transactionHash"`
	TransactionBlockNumber uint64         `json:"transactionBlockNumber"`
	Deadline               int64          `json:"deadline"`
}

func (w ambMessageWire) toDomain() (chain.AMBMessage, error) {
	payload, err := hexutil.Decode(w.IncentivesPayload)
	if err != nil {
		return chain.AMBMessage{}, fmt.Errorf("relayer: bad incentivesPayload hex: %w", err)
	}
	return chain.AMBMessage{
		MessageIdentifier:      w.MessageIdentifier,
		AMB:                    w.AMB,
		FromChainID:            w.FromChainID,
		ToChainID:              w.ToChainID,
		FromIncentivesAddress:  w.FromIncentivesAddress,
		FromApplicationAddress: w.FromApplicationAddress,
		IncentivesPayload:      payload,
		BlockNumber:            w.BlockNumber,
		BlockHash:              w.BlockHash,
		TransactionHash:        w.TransactionHash,
		TransactionBlockNumber: w.TransactionBlockNumber,
		Deadline:               time.Unix(w.Deadline, 0),
	}, nil
}

// Subscribe opens a WebSocket connection to wsURL and forwards every
// decoded ambMessage event on the returned channel, reconnecting after
// retryInterval on any error or close (spec.md §4.4(b)). The channel
// is closed when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context) (<-chan chain.AMBMessage, error) {
	out := make(chan chain.AMBMessage)
	go c.run(ctx, out)
	return out, nil
}

func (c *Client) run(ctx context.Context, out chan<- chain.AMBMessage) {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.consumeOnce(ctx, out); err != nil {
			c.log.Warn("amb websocket connection lost, reconnecting", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryInterval):
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, out chan<- chain.AMBMessage) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	type envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("dropping malformed amb frame", "err", err)
			continue
		}
		if env.Event != "ambMessage" {
			continue
		}
		var wire ambMessageWire
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			c.log.Warn("dropping malformed ambMessage payload", "err", err)
			continue
		}
		msg, err := wire.toDomain()
		if err != nil {
			c.log.Warn("dropping ambMessage with bad payload encoding", "err", err)
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// PrioritiseAMBMessage POSTs /prioritiseAMBMessage. Failures are
// returned for the caller to log-and-continue (spec.md §4.7: this call
// is best-effort).
func (c *Client) PrioritiseAMBMessage(ctx context.Context, messageIdentifier common.Hash, amb string, sourceChainID, destinationChainID uint64) error {
	body, err := json.Marshal(struct {
		MessageIdentifier   common.Hash `json:"messageIdentifier"`
		AMB                 string      `json:"amb"`
		SourceChainID       uint64      `json:"sourceChainId"`
		DestinationChainID  uint64      `json:"destinationChainId"`
	}{messageIdentifier, amb, sourceChainID, destinationChainID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL+"/prioritiseAMBMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relayer: prioritiseAMBMessage request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("relayer: prioritiseAMBMessage returned status %d", resp.StatusCode)
	}
	return nil
}

var _ chain.Relayer = (*Client)(nil)
