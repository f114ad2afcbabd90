// Simulated TCP: listeners, dials and message-framed connections between hosts
// Every packet is an event delayed by a latency sample; partitions drop packets
package sim

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/andrewh/bankdst/pkg/substrate"
)

// link is an unordered pair of host names.
type link struct {
	a, b string
}

func linkOf(a, b string) link {
	if b < a {
		a, b = b, a
	}
	return link{a, b}
}

type network struct {
	partitioned map[link]bool
	// changed records the last partition or heal of a link.
	changed map[link]time.Time
}

func (n *network) init() {
	n.partitioned = make(map[link]bool)
	n.changed = make(map[link]time.Time)
}

func (w *World) isPartitioned(a, b string) bool {
	if a == b {
		return false
	}
	return w.net.partitioned[linkOf(a, b)]
}

// waiter is a slot a single parked task can be woken through.
type waiter struct {
	t   *task
	gen uint64
}

// waitOn parks t until notify is called on slot or the deadline passes.
func (w *World) waitOn(t *task, slot *waiter, deadline time.Time) {
	gen := t.prepark()
	slot.t, slot.gen = t, gen
	if !deadline.IsZero() {
		w.wakeAt(t, gen, deadline)
	}
	w.park(t)
	if slot.t == t && slot.gen == gen {
		slot.t = nil
	}
}

func (w *World) notify(slot *waiter) {
	if slot.t == nil {
		return
	}
	w.wakeAt(slot.t, slot.gen, w.now)
	slot.t = nil
}

func splitAddr(addr string) (string, int, error) {
	hostname, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return hostname, port, nil
}

func joinAddr(hostname string, port int) string {
	return net.JoinHostPort(hostname, strconv.Itoa(port))
}

func (h *host) resolve(hostname string) string {
	switch hostname {
	case "", "0.0.0.0", "localhost", "127.0.0.1", "::":
		return h.name
	}
	return hostname
}

func (h *host) ephemeralPort() int {
	for {
		p := h.nextPort
		h.nextPort++
		if h.nextPort > 65535 {
			h.nextPort = firstEphemeralPort
		}
		if _, used := h.listeners[p]; !used {
			return p
		}
	}
}

type hostNet struct {
	h *host
}

func (n hostNet) Listen(ctx context.Context, addr string) (substrate.Listener, error) {
	h := n.h
	h.world.taskFrom(ctx)
	hostname, port, err := splitAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if h.resolve(hostname) != h.name {
		return nil, fmt.Errorf("listen %s: cannot assign requested address", addr)
	}
	if port == 0 {
		port = h.ephemeralPort()
	}
	if _, used := h.listeners[port]; used {
		return nil, fmt.Errorf("listen %s: %w", addr, substrate.ErrAddressInUse)
	}
	l := &listener{h: h, port: port}
	h.listeners[port] = l
	return l, nil
}

type dialAttempt struct {
	done      bool
	abandoned bool
	conn      *endpoint
	err       error
	waiter    waiter
}

func (n hostNet) Dial(ctx context.Context, addr string) (substrate.Conn, error) {
	h := n.h
	w := h.world
	t := w.taskFrom(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hostname, port, err := splitAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	dst := h.resolve(hostname)
	local := joinAddr(h.name, h.ephemeralPort())
	remote := joinAddr(dst, port)

	att := &dialAttempt{}
	w.after(w.cfg.Latency.Sample(w.rand), "syn "+local+">"+remote, func() {
		w.arriveSyn(h, dst, port, local, remote, att)
	})

	deadline := w.now.Add(w.cfg.ConnectTimeout)
	for !att.done {
		if err := ctx.Err(); err != nil {
			att.abandoned = true
			return nil, err
		}
		if !w.now.Before(deadline) {
			att.abandoned = true
			return nil, fmt.Errorf("dial %s: %w", addr, substrate.ErrTimedOut)
		}
		w.waitOn(t, &att.waiter, deadline)
	}
	if att.err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, att.err)
	}
	return att.conn, nil
}

// arriveSyn runs on the scheduler when a connection request reaches its destination.
func (w *World) arriveSyn(src *host, dst string, port int, local, remote string, att *dialAttempt) {
	if w.isPartitioned(src.name, dst) || !src.up {
		return
	}
	var l *listener
	if dh, ok := w.hosts[dst]; ok && dh.up {
		l = dh.listeners[port]
	}
	reply := w.cfg.Latency.Sample(w.rand)
	if l == nil || l.closed {
		w.after(reply, "refused "+remote+">"+local, func() {
			if w.isPartitioned(src.name, dst) || att.abandoned {
				return
			}
			att.done, att.err = true, substrate.ErrConnectionRefused
			w.notify(&att.waiter)
		})
		return
	}

	client := &endpoint{w: w, h: src, local: local, remote: remote}
	server := &endpoint{w: w, h: l.h, local: remote, remote: local}
	client.peer, server.peer = server, client
	src.endpoints = append(src.endpoints, client)
	l.h.endpoints = append(l.h.endpoints, server)
	l.backlog = append(l.backlog, server)
	w.notify(&l.waiter)

	w.after(reply, "synack "+remote+">"+local, func() {
		if client.closed {
			return
		}
		if att.abandoned || w.isPartitioned(src.name, dst) {
			client.abort()
			return
		}
		att.done, att.conn = true, client
		w.notify(&att.waiter)
	})
}

type listener struct {
	h       *host
	port    int
	backlog []*endpoint
	closed  bool
	waiter  waiter
}

func (l *listener) Accept(ctx context.Context) (substrate.Conn, error) {
	w := l.h.world
	t := w.taskFrom(ctx)
	for {
		if l.closed {
			return nil, fmt.Errorf("accept %s: %w", l.Addr(), substrate.ErrClosed)
		}
		if len(l.backlog) > 0 {
			e := l.backlog[0]
			l.backlog = l.backlog[1:]
			return e, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w.waitOn(t, &l.waiter, time.Time{})
	}
}

func (l *listener) Addr() string { return joinAddr(l.h.name, l.port) }

func (l *listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.h.listeners[l.port] == l {
		delete(l.h.listeners, l.port)
	}
	for _, e := range l.backlog {
		e.abort()
	}
	l.backlog = nil
	l.h.world.notify(&l.waiter)
	return nil
}

// endpoint is one side of a simulated connection.
type endpoint struct {
	w           *World
	h           *host
	local       string
	remote      string
	peer        *endpoint
	inbox       [][]byte
	lastArrival time.Time
	eof         bool
	reset       bool
	closed      bool
	deadline    time.Time
	waiter      waiter
}

// transmit schedules deliver at the peer after a latency sample, preserving
// per-connection FIFO order. Packets are dropped when the link is partitioned at
// send or at arrival.
func (e *endpoint) transmit(kind string, deliver func()) {
	w := e.w
	src, dst := e.h.name, e.peer.h.name
	if w.isPartitioned(src, dst) {
		return
	}
	at := w.now.Add(w.cfg.Latency.Sample(w.rand))
	if at.Before(e.lastArrival) {
		at = e.lastArrival
	}
	e.lastArrival = at
	w.queue.push(&event{at: at, kind: eventFunc, label: kind + " " + e.local + ">" + e.remote, fn: func() {
		if w.isPartitioned(src, dst) {
			return
		}
		deliver()
	}})
}

func (e *endpoint) Send(ctx context.Context, msg []byte) error {
	w := e.w
	t := w.taskFrom(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case e.closed:
		return fmt.Errorf("send %s: %w", e.remote, substrate.ErrClosed)
	case e.reset:
		return fmt.Errorf("send %s: %w", e.remote, substrate.ErrConnectionReset)
	case !e.deadline.IsZero() && !w.now.Before(e.deadline):
		return fmt.Errorf("send %s: %w", e.remote, substrate.ErrTimedOut)
	}
	data := append([]byte(nil), msg...)
	peer := e.peer
	e.transmit("msg", func() { peer.receive(data) })
	w.yieldNow(t)
	return nil
}

func (e *endpoint) receive(data []byte) {
	if e.reset {
		return
	}
	if e.closed {
		// Data arriving at a closed socket is answered with a reset.
		peer := e.peer
		e.transmit("rst", func() { peer.onReset() })
		return
	}
	e.inbox = append(e.inbox, data)
	e.w.notify(&e.waiter)
}

func (e *endpoint) onReset() {
	if e.closed || e.reset {
		return
	}
	e.reset = true
	e.w.notify(&e.waiter)
}

func (e *endpoint) onFin() {
	if e.closed {
		return
	}
	e.eof = true
	e.w.notify(&e.waiter)
}

func (e *endpoint) Recv(ctx context.Context) ([]byte, error) {
	w := e.w
	t := w.taskFrom(ctx)
	for {
		switch {
		case e.closed:
			return nil, fmt.Errorf("recv %s: %w", e.remote, substrate.ErrClosed)
		case len(e.inbox) > 0:
			msg := e.inbox[0]
			e.inbox[0] = nil
			e.inbox = e.inbox[1:]
			return msg, nil
		case e.reset:
			return nil, fmt.Errorf("recv %s: %w", e.remote, substrate.ErrConnectionReset)
		case e.eof:
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.deadline.IsZero() && !w.now.Before(e.deadline) {
			return nil, fmt.Errorf("recv %s: %w", e.remote, substrate.ErrTimedOut)
		}
		w.waitOn(t, &e.waiter, e.deadline)
	}
}

func (e *endpoint) SetDeadline(t time.Time) error {
	e.deadline = t
	return nil
}

func (e *endpoint) LocalAddr() string  { return e.local }
func (e *endpoint) RemoteAddr() string { return e.remote }

// Close sends an orderly shutdown to the peer.
func (e *endpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.inbox = nil
	if !e.reset {
		peer := e.peer
		e.transmit("fin", func() { peer.onFin() })
	}
	e.w.notify(&e.waiter)
	return nil
}

// abort closes the endpoint and resets the peer, as when a host dies.
func (e *endpoint) abort() {
	if e.closed {
		return
	}
	e.closed = true
	e.inbox = nil
	if !e.reset {
		peer := e.peer
		e.transmit("rst", func() { peer.onReset() })
	}
	e.w.notify(&e.waiter)
}
