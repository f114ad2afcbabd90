// Fault control: link partitions and host bounces
package sim

import (
	"fmt"
	"time"
)

// Partition drops every packet between hosts a and b, in both directions, until Heal.
func (w *World) Partition(a, b string) error {
	if err := w.checkLink(a, b); err != nil {
		return err
	}
	l := linkOf(a, b)
	if w.net.partitioned[l] {
		return nil
	}
	w.net.partitioned[l] = true
	w.net.changed[l] = w.now
	w.log.Debug().Str("a", a).Str("b", b).Msg("partition")
	return nil
}

// Heal restores delivery between a and b. Packets dropped while partitioned are lost.
func (w *World) Heal(a, b string) error {
	if err := w.checkLink(a, b); err != nil {
		return err
	}
	l := linkOf(a, b)
	if !w.net.partitioned[l] {
		return nil
	}
	delete(w.net.partitioned, l)
	w.net.changed[l] = w.now
	w.log.Debug().Str("a", a).Str("b", b).Msg("heal")
	return nil
}

// Partitioned reports whether the link between a and b is currently partitioned.
func (w *World) Partitioned(a, b string) bool {
	return w.isPartitioned(a, b)
}

func (w *World) checkLink(a, b string) error {
	if _, ok := w.hosts[a]; !ok {
		return fmt.Errorf("unknown host %q", a)
	}
	if _, ok := w.hosts[b]; !ok {
		return fmt.Errorf("unknown host %q", b)
	}
	if a == b {
		return fmt.Errorf("cannot partition %q from itself", a)
	}
	return nil
}

// Bounce kills every task of the named host at the current instant, resets its
// connections and closes its listeners. A restartable host boots again after a
// restart delay sample. The bounce itself runs on the scheduler once the calling
// task yields.
func (w *World) Bounce(name string) error {
	h, ok := w.hosts[name]
	if !ok {
		return fmt.Errorf("unknown host %q", name)
	}
	w.after(0, "bounce "+name, func() { w.bounce(h) })
	return nil
}

func (w *World) bounce(h *host) {
	if !h.up {
		return
	}
	h.up = false
	h.lastBounce = w.now
	w.log.Debug().Str("host", h.name).Int("boots", h.boots).Msg("bounce")

	for _, l := range h.listeners {
		l.closed = true
		for _, e := range l.backlog {
			e.abort()
		}
		l.backlog = nil
		w.notify(&l.waiter)
	}
	h.listeners = make(map[int]*listener)
	for _, e := range h.endpoints {
		e.abort()
	}
	h.endpoints = nil

	tasks := h.tasks
	h.tasks = nil
	for _, t := range tasks {
		w.kill(t)
	}

	if h.restartable {
		w.after(w.cfg.RestartDelay.Sample(w.rand), "restart "+h.name, func() { w.boot(h) })
	}
}

// Up reports whether the named host is running.
func (w *World) Up(name string) bool {
	h, ok := w.hosts[name]
	return ok && h.up
}

// Disrupted reports whether communication between a and b may have been impaired
// at any point since the given instant: the link is or was partitioned, or either
// host is down or was bounced or restarted.
func (w *World) Disrupted(a, b string, since time.Time) bool {
	if w.isPartitioned(a, b) {
		return true
	}
	if at, ok := w.net.changed[linkOf(a, b)]; ok && !at.Before(since) {
		return true
	}
	for _, name := range []string{a, b} {
		h, ok := w.hosts[name]
		if !ok {
			continue
		}
		if !h.up || since.Compare(h.lastBounce) <= 0 || since.Compare(h.lastRestart) <= 0 {
			return true
		}
	}
	return false
}
