package feed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wealthwatch/streamgate/internal/observability"
)

// Status is the connection lifecycle state visible to callers.
type Status string

const (
	// StatusDisconnected means no session is active.
	StatusDisconnected Status = "disconnected"
	// StatusConnecting means the socket is open and the challenge was requested.
	StatusConnecting Status = "connecting"
	// StatusChallenged means the challenge arrived and subscriptions are in flight.
	StatusChallenged Status = "challenged"
	// StatusSubscribed means both required feeds confirmed.
	StatusSubscribed Status = "subscribed"
	// StatusError means the last session ended with a failure.
	StatusError Status = "error"
)

// ClientState is the externally visible aggregate. Positions and Balances
// survive reconnects: stale-but-visible data beats blanking the dashboard
// until fresh snapshots arrive.
type ClientState struct {
	Status     Status
	LastUpdate time.Time
	Positions  []Position
	Balances   *Balances
	Err        string
}

// stateStore owns the last-known state. Mutations happen only on the
// dispatch path; reads take a defensive copy so callers cannot corrupt it.
type stateStore struct {
	mu       sync.RWMutex
	state    ClientState
	observer func(ClientState)
	now      func() time.Time
}

func newStateStore(observer func(ClientState), now func() time.Time) *stateStore {
	if now == nil {
		now = time.Now
	}
	return &stateStore{
		state:    ClientState{Status: StatusDisconnected},
		observer: observer,
		now:      now,
	}
}

// Snapshot returns a deep copy of the current state.
func (s *stateStore) Snapshot() ClientState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

// SetStatus records a lifecycle transition. Entering subscribed clears the
// sticky error message from earlier attempts.
func (s *stateStore) SetStatus(status Status) {
	s.mutate(func(st *ClientState) {
		st.Status = status
		if status == StatusSubscribed {
			st.Err = ""
		}
	})
}

// SetFailure records a failed session: status error plus a message.
func (s *stateStore) SetFailure(msg string) {
	s.mutate(func(st *ClientState) {
		st.Status = StatusError
		st.Err = msg
	})
}

// SetPositions replaces the positions snapshot wholesale.
func (s *stateStore) SetPositions(positions []Position) {
	s.mutate(func(st *ClientState) {
		st.Positions = positions
	})
}

// SetBalances replaces the balances snapshot wholesale.
func (s *stateStore) SetBalances(balances *Balances) {
	s.mutate(func(st *ClientState) {
		st.Balances = balances
	})
}

func (s *stateStore) mutate(fn func(*ClientState)) {
	s.mu.Lock()
	fn(&s.state)
	s.state.LastUpdate = s.now()
	snapshot := cloneState(s.state)
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		notifyObserver(observer, snapshot)
	}
}

// notifyObserver shields the dispatch path from a panicking observer.
func notifyObserver(observer func(ClientState), snapshot ClientState) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("state observer panicked",
				observability.Field{Key: "panic", Value: r})
		}
	}()
	observer(snapshot)
}

func cloneState(state ClientState) ClientState {
	out := state
	if state.Positions != nil {
		out.Positions = make([]Position, len(state.Positions))
		for i, p := range state.Positions {
			out.Positions[i] = clonePosition(p)
		}
	}
	if state.Balances != nil {
		out.Balances = cloneBalances(state.Balances)
	}
	return out
}

func clonePosition(p Position) Position {
	out := p
	out.EntryPrice = cloneDecimal(p.EntryPrice)
	out.MarkPrice = cloneDecimal(p.MarkPrice)
	out.PnL = cloneDecimal(p.PnL)
	out.InitialMargin = cloneDecimal(p.InitialMargin)
	out.MaintenanceMargin = cloneDecimal(p.MaintenanceMargin)
	out.InitialMarginWithOrders = cloneDecimal(p.InitialMarginWithOrders)
	out.EffectiveLeverage = cloneDecimal(p.EffectiveLeverage)
	return out
}

func cloneBalances(b *Balances) *Balances {
	out := *b
	out.CashBalance = cloneDecimal(b.CashBalance)
	out.PortfolioValue = cloneDecimal(b.PortfolioValue)
	out.CollateralValue = cloneDecimal(b.CollateralValue)
	out.AvailableMargin = cloneDecimal(b.AvailableMargin)
	out.InitialMargin = cloneDecimal(b.InitialMargin)
	out.MaintenanceMargin = cloneDecimal(b.MaintenanceMargin)
	out.PnL = cloneDecimal(b.PnL)
	out.UnrealizedFunding = cloneDecimal(b.UnrealizedFunding)
	out.TotalUnrealized = cloneDecimal(b.TotalUnrealized)
	out.MarginEquity = cloneDecimal(b.MarginEquity)
	return &out
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
