// Banker role: executes an interaction plan against the server and checks each
// response against its expected model of its own transactions
package roles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andrewh/bankdst/pkg/bank"
	"github.com/andrewh/bankdst/pkg/client"
	"github.com/andrewh/bankdst/pkg/plan"
	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/andrewh/bankdst/pkg/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Defaults for bankers.
const (
	DefaultInteractionTimeout = 10 * time.Second
	DefaultMaxAttempts        = 5
	DefaultRetryBackoff       = 500 * time.Millisecond
)

// BankerConfig configures a banker.
type BankerConfig struct {
	Name string
	// Server is the address dialled for every request.
	Server string
	Plan   *plan.Plan
	Codec  wire.Codec
	// Timeout bounds one request round trip.
	Timeout time.Duration
	// MaxAttempts bounds retries of a request that hit a transport error.
	MaxAttempts  int
	RetryBackoff time.Duration
	Logger       zerolog.Logger
}

// Banker drives ledger requests and validates the answers.
type Banker struct {
	cfg   BankerConfig
	log   zerolog.Logger
	model *model
	stats BankerStats
}

// BankerStats counts what a banker did.
type BankerStats struct {
	Actions         int
	TransportErrors int
	Resets          int
}

// NewBanker creates a banker.
func NewBanker(cfg BankerConfig) *Banker {
	if cfg.Codec.Timestamps == nil {
		cfg.Codec = wire.DefaultCodec()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInteractionTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Banker{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("role", cfg.Name).Logger(),
		model: newModel(),
	}
}

// Name returns the banker's host name.
func (b *Banker) Name() string { return b.cfg.Name }

// Stats returns counters for the banker's run so far.
func (b *Banker) Stats() BankerStats { return b.stats }

// Run executes the plan until it is exhausted or ctx ends.
func (b *Banker) Run(ctx context.Context, env substrate.Env) error {
	c := client.New(env, b.cfg.Server, client.WithCodec(b.cfg.Codec), client.WithTimeout(b.cfg.Timeout))
	defer c.Close(ctx) //nolint:errcheck // best-effort goodbye
	clock := env.Clock()
	start := clock.Now()

	for {
		e, ok := b.cfg.Plan.Next()
		if !ok {
			b.log.Debug().Int("actions", b.stats.Actions).Msg("plan finished")
			return nil
		}
		if !sleepUntil(ctx, clock, start.Add(e.At)) {
			return nil
		}
		b.stats.Actions++
		if err := b.execute(ctx, env, c, e.Action); err != nil {
			return err
		}
	}
}

func (b *Banker) violation(env substrate.Env, action plan.Action, format string, args ...any) *Violation {
	return &Violation{
		Role:    b.cfg.Name,
		Action:  action.String(),
		At:      env.Clock().Now(),
		Message: fmt.Sprintf(format, args...),
	}
}

// call runs fn, retrying transport errors with backoff. It returns the last
// error, which is a transport error only when every attempt failed.
func (b *Banker) call(ctx context.Context, env substrate.Env, c *client.Client, fn func() error) (attempts int, err error) {
	for attempts = 1; ; attempts++ {
		err = fn()
		if err == nil || !client.IsTransportError(err) {
			b.observeEpoch(c)
			return attempts, err
		}
		b.stats.TransportErrors++
		b.log.Debug().Err(err).Int("attempt", attempts).Msg("transport error")
		if attempts >= b.cfg.MaxAttempts {
			return attempts, err
		}
		if err := env.Clock().Sleep(ctx, time.Duration(attempts)*b.cfg.RetryBackoff); err != nil {
			return attempts, err
		}
	}
}

func (b *Banker) observeEpoch(c *client.Client) {
	if b.model.observeEpoch(c.Epoch()) {
		b.stats.Resets++
		b.log.Info().Int64("epoch", c.Epoch()).Msg("server restarted, expected ledger reset")
	}
}

func (b *Banker) execute(ctx context.Context, env substrate.Env, c *client.Client, a plan.Action) error {
	b.log.Debug().Stringer("action", a).Msg("executing")
	switch a.Kind {
	case plan.KindCreate:
		return b.create(ctx, env, c, a)
	case plan.KindCreateInvalid:
		return b.createInvalid(ctx, env, c, a)
	case plan.KindVoid:
		return b.void(ctx, env, c, a)
	case plan.KindGet:
		return b.get(ctx, env, c, a)
	case plan.KindList:
		return b.list(ctx, env, c, a)
	case plan.KindBalance:
		return b.balance(ctx, env, c, a)
	case plan.KindHealth:
		return b.health(ctx, env, c, a)
	}
	return fmt.Errorf("%s: unsupported action %s", b.cfg.Name, a.Kind)
}

// unexpected turns a non-transport, non-domain error into a violation.
func (b *Banker) unexpected(env substrate.Env, a plan.Action, err error) error {
	if err == nil || client.IsTransportError(err) {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return b.violation(env, a, "unexpected error: %v", err)
}

// afterRestart accepts any domain outcome of a request that straddled a
// restart, including the server refusing it as pinned to the old boot.
func (b *Banker) afterRestart(env substrate.Env, a plan.Action, err error) error {
	if errors.Is(err, wire.ErrStaleEpoch) || errors.Is(err, bank.ErrNotFound) || errors.Is(err, bank.ErrAlreadyVoided) {
		return nil
	}
	return b.unexpected(env, a, err)
}

func (b *Banker) create(ctx context.Context, env substrate.Env, c *client.Client, a plan.Action) error {
	ref, err := NewReference(env.Rand())
	if err != nil {
		return err
	}
	sent := env.Clock().Now()
	var tx bank.Transaction
	_, err = b.call(ctx, env, c, func() (err error) {
		tx, err = c.Create(ctx, a.Amount, ref)
		return err
	})
	if err != nil {
		if client.IsTransportError(err) {
			// The create may or may not have happened; a later list resolves it.
			b.model.pending[ref] = a.Amount
			return nil
		}
		return b.unexpected(env, a, err)
	}
	if msg := b.model.created(tx, a.Amount, ref, sent, env.Clock().Now()); msg != "" {
		return b.violation(env, a, "%s", msg)
	}
	return nil
}

func (b *Banker) createInvalid(ctx context.Context, env substrate.Env, c *client.Client, a plan.Action) error {
	var tx bank.Transaction
	_, err := b.call(ctx, env, c, func() (err error) {
		tx, err = c.CreateRaw(ctx, a.RawAmount, "")
		return err
	})
	switch {
	case err == nil:
		return b.violation(env, a, "server accepted invalid amount as transaction %d", tx.ID)
	case errors.Is(err, bank.ErrInvalidAmount):
		return nil
	}
	return b.unexpected(env, a, err)
}

func (b *Banker) target(env substrate.Env, a plan.Action, activeOnly bool) int64 {
	if a.ID != 0 {
		return a.ID
	}
	return b.model.pick(env.Rand().IntN, activeOnly)
}

// pin ties an id-targeted request to the boot the id was learned in, so that
// after a restart it cannot land on another banker's transaction reusing the id.
func (b *Banker) pin(epoch int64) []client.CallOption {
	if epoch == 0 {
		return nil
	}
	return []client.CallOption{client.InEpoch(epoch)}
}

func (b *Banker) void(ctx context.Context, env substrate.Env, c *client.Client, a plan.Action) error {
	id := b.target(env, a, true)
	if id == 0 {
		b.log.Debug().Msg("nothing to void")
		return nil
	}
	epoch := b.model.epoch
	var tx bank.Transaction
	attempts, err := b.call(ctx, env, c, func() (err error) {
		tx, err = c.Void(ctx, id, b.pin(epoch)...)
		return err
	})
	if b.model.epoch != epoch {
		// The server restarted; whatever we expected about id is gone.
		return b.afterRestart(env, a, err)
	}
	want, own := b.model.txs[id]
	switch {
	case err == nil:
		if tx.ID != id || tx.Status != bank.StatusVoided {
			return b.violation(env, a, "void of %d returned transaction %d with status %s", id, tx.ID, tx.Status)
		}
		if own {
			if want.tx.Status == bank.StatusVoided && !want.voidUncertain {
				return b.violation(env, a, "transaction %d voided twice", id)
			}
			if msg := b.model.check(bank.Transaction{ID: id, Amount: tx.Amount, Status: bank.StatusActive, CreatedAt: tx.CreatedAt, Reference: tx.Reference}); msg != "" {
				return b.violation(env, a, "%s", msg)
			}
			want.tx.Status = bank.StatusVoided
			want.voidUncertain = false
		}
		return nil

	case errors.Is(err, bank.ErrAlreadyVoided):
		if own && want.tx.Status == bank.StatusActive && !want.voidUncertain && attempts == 1 {
			return b.violation(env, a, "active transaction %d reported as already voided", id)
		}
		if own {
			want.tx.Status = bank.StatusVoided
			want.voidUncertain = false
		}
		return nil

	case errors.Is(err, bank.ErrNotFound):
		if own {
			return b.violation(env, a, "own transaction %d not found", id)
		}
		return nil

	case client.IsTransportError(err):
		if own && want.tx.Status == bank.StatusActive {
			want.voidUncertain = true
		}
		return nil
	}
	return b.unexpected(env, a, err)
}

func (b *Banker) get(ctx context.Context, env substrate.Env, c *client.Client, a plan.Action) error {
	id := b.target(env, a, false)
	if id == 0 {
		b.log.Debug().Msg("nothing to get")
		return nil
	}
	epoch := b.model.epoch
	var tx bank.Transaction
	_, err := b.call(ctx, env, c, func() (err error) {
		tx, err = c.Get(ctx, id, b.pin(epoch)...)
		return err
	})
	if b.model.epoch != epoch {
		return b.afterRestart(env, a, err)
	}
	_, own := b.model.txs[id]
	switch {
	case err == nil:
		if tx.ID != id {
			return b.violation(env, a, "get of %d returned transaction %d", id, tx.ID)
		}
		b.model.seen(id)
		if msg := b.model.check(tx); msg != "" {
			return b.violation(env, a, "%s", msg)
		}
		return nil
	case errors.Is(err, bank.ErrNotFound):
		if own {
			return b.violation(env, a, "own transaction %d not found", id)
		}
		return nil
	}
	return b.unexpected(env, a, err)
}

func (b *Banker) list(ctx context.Context, env substrate.Env, c *client.Client, a plan.Action) error {
	var txs []bank.Transaction
	_, err := b.call(ctx, env, c, func() (err error) {
		txs, err = c.List(ctx)
		return err
	})
	if err != nil {
		return b.unexpected(env, a, err)
	}
	if msg := b.model.checkList(txs); msg != "" {
		return b.violation(env, a, "%s", msg)
	}
	return nil
}

func (b *Banker) balance(ctx context.Context, env substrate.Env, c *client.Client, a plan.Action) error {
	var got decimal.Decimal
	_, err := b.call(ctx, env, c, func() (err error) {
		got, err = c.Balance(ctx)
		return err
	})
	if err != nil {
		return b.unexpected(env, a, err)
	}
	if floor := b.model.activeSum(); got.LessThan(floor) {
		return b.violation(env, a, "balance %s is below the %s of our own active transactions", got, floor)
	}
	return nil
}

func (b *Banker) health(ctx context.Context, env substrate.Env, c *client.Client, a plan.Action) error {
	_, err := b.call(ctx, env, c, func() error { return c.Health(ctx) })
	return b.unexpected(env, a, err)
}

// NewReference draws an idempotency key from rng, so references are
// reproducible for a given seed.
func NewReference(rng substrate.Rand) (string, error) {
	id, err := uuid.NewRandomFromReader(randReader{rng})
	if err != nil {
		return "", fmt.Errorf("drawing reference: %w", err)
	}
	return id.String(), nil
}

type randReader struct {
	rng substrate.Rand
}

func (r randReader) Read(p []byte) (int, error) {
	for i := 0; i < len(p); i += 8 {
		v := r.rng.Uint64()
		for j := 0; j < 8 && i+j < len(p); j++ {
			p[i+j] = byte(v >> (8 * j))
		}
	}
	return len(p), nil
}
