// Interaction plans: ordered, replayable lists of timed client actions
// A plan is pure data; roles execute it against the substrate
package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the type of an action.
type Kind string

// Banker actions.
const (
	KindCreate        Kind = "create"
	KindCreateInvalid Kind = "create_invalid"
	KindVoid          Kind = "void"
	KindGet           Kind = "get"
	KindList          Kind = "list"
	KindBalance       Kind = "balance"
	KindHealth        Kind = "health"
)

// Fault injector actions.
const (
	KindPartition Kind = "partition"
	KindHeal      Kind = "heal"
	KindBounce    Kind = "bounce"
)

var bankerKinds = map[Kind]bool{
	KindCreate: true, KindCreateInvalid: true, KindVoid: true, KindGet: true,
	KindList: true, KindBalance: true, KindHealth: true,
}

var faultKinds = map[Kind]bool{
	KindPartition: true, KindHeal: true, KindBounce: true,
}

// IsBankerKind reports whether k is executed by a banker.
func IsBankerKind(k Kind) bool { return bankerKinds[k] }

// IsFaultKind reports whether k is executed by the fault injector.
func IsFaultKind(k Kind) bool { return faultKinds[k] }

// Action is a single client step.
type Action struct {
	Kind Kind
	// Amount is used by create.
	Amount decimal.Decimal
	// RawAmount is sent verbatim by create_invalid.
	RawAmount string
	// ID targets void and get. Zero picks one of the banker's own transactions.
	ID int64
	// Target is a host name for partition, heal and bounce.
	Target string
}

func (a Action) String() string {
	switch a.Kind {
	case KindCreate:
		return fmt.Sprintf("create %s", a.Amount)
	case KindCreateInvalid:
		return fmt.Sprintf("create_invalid %q", a.RawAmount)
	case KindVoid, KindGet:
		if a.ID == 0 {
			return string(a.Kind) + " <own>"
		}
		return fmt.Sprintf("%s %d", a.Kind, a.ID)
	case KindPartition, KindHeal, KindBounce:
		return fmt.Sprintf("%s %s", a.Kind, a.Target)
	}
	return string(a.Kind)
}

// Entry is an action scheduled at an offset from the start of its plan.
type Entry struct {
	At     time.Duration
	Action Action
}

// Generator produces n entries starting no earlier than from.
type Generator func(from time.Duration, n int) []Entry

// Plan is an ordered sequence of entries consumed with Next. A plan with a
// generator regenerates another batch whenever it runs dry.
type Plan struct {
	Role    string
	entries []Entry
	pos     int
	gen     Generator
	batch   int
}

// New returns a fixed plan. Entries must be ordered by offset.
func New(role string, entries []Entry) (*Plan, error) {
	p := &Plan{Role: role}
	if err := p.Add(entries...); err != nil {
		return nil, err
	}
	return p, nil
}

// NewGenerated returns a plan that draws batches of batch entries from gen.
func NewGenerated(role string, batch int, gen Generator) *Plan {
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Plan{Role: role, gen: gen, batch: batch}
}

// DefaultBatch is the number of entries generated at a time.
const DefaultBatch = 1000

// Add appends entries, which must not go back in time.
func (p *Plan) Add(entries ...Entry) error {
	last := p.last()
	for i, e := range entries {
		if e.At < 0 {
			return fmt.Errorf("plan %s: entry %d (%s) has negative offset %s", p.Role, i, e.Action, e.At)
		}
		if e.At < last {
			return fmt.Errorf("plan %s: entry %d (%s) at %s precedes %s", p.Role, i, e.Action, e.At, last)
		}
		last = e.At
	}
	p.entries = append(p.entries, entries...)
	return nil
}

func (p *Plan) last() time.Duration {
	if len(p.entries) == 0 {
		return 0
	}
	return p.entries[len(p.entries)-1].At
}

// Next returns the next entry, generating more if the plan has a generator.
func (p *Plan) Next() (Entry, bool) {
	if p.pos >= len(p.entries) && p.gen != nil {
		// A generator that goes back in time is a programming error.
		if err := p.Add(p.gen(p.last(), p.batch)...); err != nil {
			panic(err)
		}
	}
	if p.pos >= len(p.entries) {
		return Entry{}, false
	}
	e := p.entries[p.pos]
	p.pos++
	return e, true
}

// Len returns the number of entries added so far.
func (p *Plan) Len() int { return len(p.entries) }

// String renders the plan one entry per line.
func (p *Plan) String() string {
	var b strings.Builder
	for _, e := range p.entries {
		fmt.Fprintf(&b, "%s +%s %s\n", p.Role, e.At, e.Action)
	}
	return b.String()
}
