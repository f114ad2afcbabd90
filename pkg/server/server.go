// Ledger server: accepts connections and answers wire requests against an in-memory ledger
// Each connection is served by its own task; ledger access is serialized
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andrewh/bankdst/pkg/bank"
	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/andrewh/bankdst/pkg/telemetry"
	"github.com/andrewh/bankdst/pkg/wire"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Defaults for server configuration.
const (
	DefaultAddr        = "0.0.0.0:3000"
	DefaultIdleTimeout = 5 * time.Minute
	DefaultService     = "bank-server"
)

// Config configures a server.
type Config struct {
	Addr string
	// IdleTimeout closes connections that send nothing for this long. Zero disables it.
	IdleTimeout time.Duration
	Codec       wire.Codec
	Observer    telemetry.RequestObserver
	Logger      zerolog.Logger
	Service     string
	// OnListen, when set, is called with the bound address once listening.
	OnListen func(addr string)
}

// Server answers ledger requests. A Server lives for one boot; restarting the
// host creates a new Server with an empty ledger and a new epoch.
type Server struct {
	env    substrate.Env
	cfg    Config
	log    zerolog.Logger
	epoch  int64
	mu     sync.Mutex
	ledger *bank.Ledger
}

// New creates a server bound to the capabilities in env.
func New(env substrate.Env, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Codec.Timestamps == nil {
		cfg.Codec = wire.DefaultCodec()
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	epoch := int64(env.Rand().Uint64()>>1) | 1 //nolint:gosec // shifted into int64 range
	clock := env.Clock()
	return &Server{
		env:    env,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "server").Int64("epoch", epoch).Logger(),
		epoch:  epoch,
		ledger: bank.NewLedger(clock.Now),
	}
}

// Epoch identifies this server boot.
func (s *Server) Epoch() int64 { return s.epoch }

// Run listens and serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	l, err := s.env.Net().Listen(ctx, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	defer l.Close() //nolint:errcheck // listener close on shutdown is best-effort
	s.log.Info().Str("addr", l.Addr()).Msg("server listening")
	if s.cfg.OnListen != nil {
		s.cfg.OnListen(l.Addr())
	}

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info().Msg("server finished")
				return nil
			}
			return fmt.Errorf("server accept: %w", err)
		}
		s.env.Runtime().Go(ctx, "conn "+conn.RemoteAddr(), func(ctx context.Context) {
			s.serve(ctx, conn)
		})
	}
}

func (s *Server) serve(ctx context.Context, conn substrate.Conn) {
	defer conn.Close() //nolint:errcheck // connection close is best-effort
	clock := s.env.Clock()
	log := s.log.With().Str("remote", conn.RemoteAddr()).Logger()
	log.Debug().Msg("connection accepted")

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetDeadline(clock.Now().Add(s.cfg.IdleTimeout))
		}
		msg, err := conn.Recv(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("connection dropped")
			return
		}
		start := clock.Now()

		req, err := wire.UnmarshalRequest(msg)
		var resp wire.Response
		if err != nil {
			log.Warn().Err(err).Msg("invalid request")
			resp = s.errorResponse(err)
		} else {
			if req.Op == wire.OpClose {
				log.Debug().Msg("client closed connection")
				return
			}
			log.Debug().Str("op", string(req.Op)).Msg("request")
			resp = s.Handle(req)
		}

		data, err := wire.MarshalResponse(resp)
		if err != nil {
			log.Error().Err(err).Msg("encoding response")
			return
		}
		sendErr := conn.Send(ctx, data)
		s.observe(req, resp, conn.RemoteAddr(), start, clock.Now().Sub(start))
		if sendErr != nil {
			log.Debug().Err(sendErr).Msg("send failed")
			return
		}
	}
}

func (s *Server) observe(req wire.Request, resp wire.Response, remote string, start time.Time, d time.Duration) {
	if s.cfg.Observer == nil {
		return
	}
	op := string(req.Op)
	if op == "" {
		op = "INVALID"
	}
	info := telemetry.RequestInfo{
		Service:   s.cfg.Service,
		Operation: op,
		Remote:    remote,
		Timestamp: start,
		Duration:  d,
		Attrs:     []attribute.KeyValue{attribute.Int64("bank.server_epoch", s.epoch)},
	}
	if resp.Error != nil {
		info.IsError = true
		info.ErrorCode = resp.Error.Code
	}
	s.cfg.Observer.Observe(info)
}

// Handle applies one request to the ledger.
func (s *Server) Handle(req wire.Request) wire.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Epoch != 0 && req.Epoch != s.epoch {
		return s.errorResponse(fmt.Errorf("%w: request for epoch %d, server is at %d", wire.ErrStaleEpoch, req.Epoch, s.epoch))
	}

	switch req.Op {
	case wire.OpHealth:
		return wire.Response{OK: true, Status: "healthy", ServerEpoch: s.epoch}

	case wire.OpCreate:
		amount, err := bank.ParseAmount(req.Amount)
		if err != nil {
			return s.errorResponse(err)
		}
		tx, created, err := s.ledger.Create(amount, req.Reference)
		if err != nil {
			return s.errorResponse(err)
		}
		if !created {
			s.log.Debug().Int64("id", tx.ID).Str("reference", req.Reference).Msg("duplicate create")
		}
		return s.transactionResponse(tx)

	case wire.OpVoid:
		tx, err := s.ledger.Void(req.ID)
		if err != nil {
			return s.errorResponse(err)
		}
		return s.transactionResponse(tx)

	case wire.OpGet:
		tx, err := s.ledger.Get(req.ID)
		if err != nil {
			return s.errorResponse(err)
		}
		return s.transactionResponse(tx)

	case wire.OpList:
		txs := s.ledger.List()
		out := make([]wire.Transaction, 0, len(txs))
		for _, tx := range txs {
			w, err := s.cfg.Codec.EncodeTransaction(tx)
			if err != nil {
				return s.errorResponse(err)
			}
			out = append(out, w)
		}
		return wire.Response{OK: true, Transactions: out, ServerEpoch: s.epoch}

	case wire.OpBalance:
		balance := s.ledger.Balance()
		return wire.Response{OK: true, Balance: &balance, ServerEpoch: s.epoch}
	}
	return s.errorResponse(fmt.Errorf("%w: %w %q", wire.ErrBadRequest, wire.ErrUnknownOp, req.Op))
}

func (s *Server) transactionResponse(tx bank.Transaction) wire.Response {
	w, err := s.cfg.Codec.EncodeTransaction(tx)
	if err != nil {
		return s.errorResponse(err)
	}
	return wire.Response{OK: true, Transaction: &w, ServerEpoch: s.epoch}
}

func (s *Server) errorResponse(err error) wire.Response {
	werr := wire.ErrorFor(err)
	if werr.Code == wire.CodeInternal {
		s.log.Error().Err(err).Msg("internal error")
	}
	return wire.Response{Error: werr, ServerEpoch: s.epoch}
}

// Snapshot returns the ledger contents, for inspection by the harness after a run.
func (s *Server) Snapshot() []bank.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.List()
}
