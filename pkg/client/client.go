// Ledger client speaking the wire protocol over a substrate connection
// The connection is dialled lazily and dropped after any transport error
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andrewh/bankdst/pkg/bank"
	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/andrewh/bankdst/pkg/wire"
	"github.com/shopspring/decimal"
)

// DefaultTimeout bounds a single request round trip.
const DefaultTimeout = 10 * time.Second

// Client issues requests to one server address. It is not safe for concurrent use.
type Client struct {
	env     substrate.Env
	addr    string
	codec   wire.Codec
	timeout time.Duration
	conn    substrate.Conn
	epoch   int64
}

// Option configures a Client.
type Option func(*Client)

// WithCodec selects the codec used to decode transactions.
func WithCodec(c wire.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithTimeout bounds each request round trip.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// CallOption adjusts a single request.
type CallOption func(*wire.Request)

// InEpoch pins a request to one server boot. A server in any other epoch
// refuses it with wire.ErrStaleEpoch instead of acting on a reused id.
func InEpoch(epoch int64) CallOption {
	return func(r *wire.Request) { r.Epoch = epoch }
}

func request(req wire.Request, opts []CallOption) wire.Request {
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// New creates a client for addr.
func New(env substrate.Env, addr string, opts ...Option) *Client {
	c := &Client{
		env:     env,
		addr:    addr,
		codec:   wire.DefaultCodec(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Epoch returns the server epoch seen in the most recent response, or 0.
func (c *Client) Epoch() int64 { return c.epoch }

// IsTransportError reports whether err came from the connection rather than the server.
func IsTransportError(err error) bool {
	return errors.Is(err, substrate.ErrConnectionRefused) ||
		errors.Is(err, substrate.ErrConnectionReset) ||
		errors.Is(err, substrate.ErrTimedOut) ||
		errors.Is(err, substrate.ErrClosed)
}

// Do sends a request and waits for its response. Server-side errors are returned
// as *wire.Error alongside the response; transport errors drop the connection.
func (c *Client) Do(ctx context.Context, req wire.Request) (wire.Response, error) {
	if c.conn == nil {
		conn, err := c.env.Net().Dial(ctx, c.addr)
		if err != nil {
			return wire.Response{}, err
		}
		c.conn = conn
	}
	data, err := wire.MarshalRequest(req)
	if err != nil {
		return wire.Response{}, err
	}
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(c.env.Clock().Now().Add(c.timeout))
	}
	if err := c.conn.Send(ctx, data); err != nil {
		c.drop()
		return wire.Response{}, err
	}
	msg, err := c.conn.Recv(ctx)
	if err != nil {
		c.drop()
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%s: %w", c.addr, substrate.ErrConnectionReset)
		}
		return wire.Response{}, err
	}
	resp, err := wire.UnmarshalResponse(msg)
	if err != nil {
		c.drop()
		return wire.Response{}, err
	}
	c.epoch = resp.ServerEpoch
	if !resp.OK {
		if resp.Error == nil {
			return resp, fmt.Errorf("%s: response without ok or error", req.Op)
		}
		return resp, resp.Error
	}
	return resp, nil
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close sends CLOSE to the server and closes the connection.
func (c *Client) Close(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	data, err := wire.MarshalRequest(wire.Request{Op: wire.OpClose})
	if err == nil {
		err = c.conn.Send(ctx, data)
	}
	c.drop()
	return err
}

func (c *Client) transaction(resp wire.Response) (bank.Transaction, error) {
	if resp.Transaction == nil {
		return bank.Transaction{}, errors.New("response carries no transaction")
	}
	return c.codec.DecodeTransaction(*resp.Transaction)
}

// Create records a new transaction. A non-empty reference makes retries idempotent.
func (c *Client) Create(ctx context.Context, amount decimal.Decimal, reference string) (bank.Transaction, error) {
	return c.CreateRaw(ctx, amount.String(), reference)
}

// CreateRaw sends an amount without client-side validation.
func (c *Client) CreateRaw(ctx context.Context, amount, reference string) (bank.Transaction, error) {
	resp, err := c.Do(ctx, wire.Request{Op: wire.OpCreate, Amount: amount, Reference: reference})
	if err != nil {
		return bank.Transaction{}, err
	}
	return c.transaction(resp)
}

// Void voids a transaction.
func (c *Client) Void(ctx context.Context, id int64, opts ...CallOption) (bank.Transaction, error) {
	resp, err := c.Do(ctx, request(wire.Request{Op: wire.OpVoid, ID: id}, opts))
	if err != nil {
		return bank.Transaction{}, err
	}
	return c.transaction(resp)
}

// Get fetches a transaction.
func (c *Client) Get(ctx context.Context, id int64, opts ...CallOption) (bank.Transaction, error) {
	resp, err := c.Do(ctx, request(wire.Request{Op: wire.OpGet, ID: id}, opts))
	if err != nil {
		return bank.Transaction{}, err
	}
	return c.transaction(resp)
}

// List fetches every transaction in creation order.
func (c *Client) List(ctx context.Context) ([]bank.Transaction, error) {
	resp, err := c.Do(ctx, wire.Request{Op: wire.OpList})
	if err != nil {
		return nil, err
	}
	out := make([]bank.Transaction, 0, len(resp.Transactions))
	for _, w := range resp.Transactions {
		tx, err := c.codec.DecodeTransaction(w)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// Balance fetches the sum of active transactions.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	resp, err := c.Do(ctx, wire.Request{Op: wire.OpBalance})
	if err != nil {
		return decimal.Zero, err
	}
	if resp.Balance == nil {
		return decimal.Zero, errors.New("response carries no balance")
	}
	return *resp.Balance, nil
}

// Health probes the server.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.Do(ctx, wire.Request{Op: wire.OpHealth})
	if err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("server reports %q", resp.Status)
	}
	return nil
}
