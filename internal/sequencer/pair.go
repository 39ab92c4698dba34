package sequencer

import (
	"sync"
	"sync/atomic"

	"fenrir/internal/common"
	"fenrir/internal/engine"

	"github.com/google/uuid"
)

type request struct {
	cmd   common.Command
	reply chan reply
}

type reply struct {
	res engine.Result
	err error
}

// pair is one trading pair's engine plus the state its worker publishes.
type pair struct {
	symbol   string
	eng      *engine.Engine
	queue    chan request
	seq      uint64 // worker only
	halted   atomic.Bool
	snapshot atomic.Pointer[engine.Snapshot]
	orders   *history
}

func newPair(symbol string, limits engine.Limits, cfg Config) *pair {
	return &pair{
		symbol: symbol,
		eng:    engine.New(symbol, limits),
		queue:  make(chan request, cfg.QueueSize),
		orders: newHistory(cfg.HistorySize),
	}
}

func (p *pair) publishSnapshot() {
	p.snapshot.Store(p.eng.Snapshot(0))
}

// record keeps the latest status of every order the result touched.
func (p *pair) record(res engine.Result) {
	for _, ev := range res.Events {
		if st, ok := ev.(common.OrderStatusEvent); ok {
			p.orders.put(st)
		}
	}
}

// history is a bounded map of order states. The oldest entries are
// forgotten first.
type history struct {
	mu    sync.RWMutex
	limit int
	byID  map[string]common.OrderStatusEvent
	order []string
}

func newHistory(limit int) *history {
	return &history{limit: limit, byID: make(map[string]common.OrderStatusEvent)}
}

func (h *history) put(st common.OrderStatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[st.OrderID]; !ok {
		h.order = append(h.order, st.OrderID)
	}
	h.byID[st.OrderID] = st
	for len(h.order) > h.limit {
		delete(h.byID, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history) get(id string) (common.OrderStatusEvent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.byID[id]
	return st, ok
}

func newOrderID() string {
	return uuid.NewString()
}
