// Expected-ledger model a banker keeps of its own transactions
package roles

import (
	"fmt"
	"slices"
	"time"

	"github.com/andrewh/bankdst/pkg/bank"
	"github.com/shopspring/decimal"
)

type expectedTx struct {
	tx bank.Transaction
	// voidUncertain is set when a void was sent but its outcome was lost.
	voidUncertain bool
}

// model tracks what one banker knows about the server's ledger in the current
// server epoch. A new epoch means the server restarted with an empty ledger.
type model struct {
	epoch   int64
	txs     map[int64]*expectedTx
	order   []int64
	refs    map[string]int64
	pending map[string]decimal.Decimal
	maxSeen int64
}

func newModel() *model {
	m := &model{}
	m.reset(0)
	return m
}

func (m *model) reset(epoch int64) {
	m.epoch = epoch
	m.txs = make(map[int64]*expectedTx)
	m.order = nil
	m.refs = make(map[string]int64)
	m.pending = make(map[string]decimal.Decimal)
	m.maxSeen = 0
}

// observeEpoch adopts the epoch of a response and reports whether the model was wiped.
func (m *model) observeEpoch(epoch int64) bool {
	if epoch == 0 || epoch == m.epoch {
		return false
	}
	wiped := m.epoch != 0
	m.reset(epoch)
	return wiped
}

func (m *model) seen(id int64) {
	m.maxSeen = max(m.maxSeen, id)
}

// created records a confirmed create. It returns a description of any
// inconsistency with what the model already holds.
func (m *model) created(tx bank.Transaction, amount decimal.Decimal, reference string, sent, now time.Time) string {
	if !tx.Amount.Equal(amount) {
		return fmt.Sprintf("created transaction %d has amount %s, sent %s", tx.ID, tx.Amount, amount)
	}
	if tx.Status != bank.StatusActive {
		return fmt.Sprintf("created transaction %d has status %s", tx.ID, tx.Status)
	}
	if tx.Reference != reference {
		return fmt.Sprintf("created transaction %d has reference %q, sent %q", tx.ID, tx.Reference, reference)
	}
	// Timestamps may be truncated to whole seconds on the wire.
	if tx.CreatedAt.Before(sent.Truncate(time.Second)) || tx.CreatedAt.After(now) {
		return fmt.Sprintf("created transaction %d has created_at %s outside [%s, %s]",
			tx.ID, tx.CreatedAt.UTC().Format(time.RFC3339Nano), sent.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano))
	}
	if id, ok := m.refs[reference]; ok && id != tx.ID {
		return fmt.Sprintf("reference %q created twice, as %d and %d", reference, id, tx.ID)
	}
	if _, ok := m.txs[tx.ID]; !ok && tx.ID <= m.maxSeen {
		return fmt.Sprintf("new transaction id %d does not exceed previously seen id %d", tx.ID, m.maxSeen)
	}
	m.adopt(tx)
	return ""
}

func (m *model) adopt(tx bank.Transaction) {
	if _, ok := m.txs[tx.ID]; !ok {
		m.order = append(m.order, tx.ID)
	}
	m.txs[tx.ID] = &expectedTx{tx: tx}
	m.refs[tx.Reference] = tx.ID
	delete(m.pending, tx.Reference)
	m.seen(tx.ID)
}

// check compares a server record of one of our transactions with the model.
func (m *model) check(got bank.Transaction) string {
	want, ok := m.txs[got.ID]
	if !ok {
		return ""
	}
	if !got.Amount.Equal(want.tx.Amount) {
		return fmt.Sprintf("transaction %d has amount %s, expected %s", got.ID, got.Amount, want.tx.Amount)
	}
	if !got.CreatedAt.Equal(want.tx.CreatedAt) {
		return fmt.Sprintf("transaction %d has created_at %s, expected %s", got.ID, got.CreatedAt, want.tx.CreatedAt)
	}
	if got.Reference != want.tx.Reference {
		return fmt.Sprintf("transaction %d has reference %q, expected %q", got.ID, got.Reference, want.tx.Reference)
	}
	switch {
	case got.Status == want.tx.Status:
	case want.voidUncertain && got.Status == bank.StatusVoided:
		want.tx.Status = bank.StatusVoided
		want.voidUncertain = false
	default:
		return fmt.Sprintf("transaction %d has status %s, expected %s", got.ID, got.Status, want.tx.Status)
	}
	return ""
}

// checkList validates a full listing against the model and adopts any
// transaction whose create outcome was lost.
func (m *model) checkList(list []bank.Transaction) string {
	present := make(map[int64]bool, len(list))
	refs := make(map[string]int64, len(list))
	var prev int64
	for _, tx := range list {
		if tx.ID <= prev {
			return fmt.Sprintf("list out of creation order: %d after %d", tx.ID, prev)
		}
		prev = tx.ID
		present[tx.ID] = true
		if tx.Reference != "" {
			if id, dup := refs[tx.Reference]; dup {
				return fmt.Sprintf("reference %q appears twice, as %d and %d", tx.Reference, id, tx.ID)
			}
			refs[tx.Reference] = tx.ID
		}
		if amount, ok := m.pending[tx.Reference]; ok && tx.Reference != "" {
			if !tx.Amount.Equal(amount) {
				return fmt.Sprintf("transaction %d for reference %q has amount %s, sent %s", tx.ID, tx.Reference, tx.Amount, amount)
			}
			m.adopt(tx)
			continue
		}
		if msg := m.check(tx); msg != "" {
			return msg
		}
		m.seen(tx.ID)
	}
	for _, id := range m.order {
		if !present[id] {
			return fmt.Sprintf("transaction %d missing from list", id)
		}
	}
	return ""
}

// activeSum is a lower bound on the server balance: our certainly active amounts.
func (m *model) activeSum() decimal.Decimal {
	sum := decimal.Zero
	for _, id := range m.order {
		e := m.txs[id]
		if e.tx.Status == bank.StatusActive && !e.voidUncertain {
			sum = sum.Add(e.tx.Amount)
		}
	}
	return sum
}

// pick returns one of our transactions, preferring active ones, or 0 if we have none.
func (m *model) pick(intn func(int) int, activeOnly bool) int64 {
	candidates := m.order
	if activeOnly {
		candidates = slices.DeleteFunc(slices.Clone(m.order), func(id int64) bool {
			return m.txs[id].tx.Status != bank.StatusActive
		})
		if len(candidates) == 0 {
			candidates = m.order
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	return candidates[intn(len(candidates))]
}
