package escrow

import (
	"fmt"
	"math/big"
	"sync"

	"escrowd/core/events"
)

// GovernedState is the durable surface the governor preserves across logic
// swaps: the full engine state plus enumeration for the post-swap audit.
type GovernedState interface {
	engineState
	DealList() ([]*Deal, error)
}

// Governor replaces the engine's transition logic while the registry, the
// active-deal index and the dispute records stay in place. Only the owning
// administrative identity may drive it.
type Governor struct {
	mu      sync.Mutex
	owner   [20]byte
	state   GovernedState
	engine  *Engine
	emitter events.Emitter
}

// NewGovernor wires a governor around the initial engine. The owner is the
// single administrative identity fixed at initialisation.
func NewGovernor(owner [20]byte, state GovernedState, engine *Engine) *Governor {
	return &Governor{owner: owner, state: state, engine: engine, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the emitter used for governance events.
func (g *Governor) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		g.emitter = events.NoopEmitter{}
		return
	}
	g.emitter = emitter
}

// Engine returns the currently installed logic.
func (g *Governor) Engine() *Engine {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engine
}

// Upgrade installs replacement logic over the existing state. The new engine
// is wired to the same registry, inherits the manager identity unless the
// build already set one, and must pass the invariant sweep over pre-existing
// records before it goes live.
func (g *Governor) Upgrade(caller [20]byte, build func() *Engine) (*Engine, error) {
	if caller != g.owner {
		return nil, ErrOwnerOnly
	}
	if build == nil {
		return nil, fmt.Errorf("escrow governor: nil engine constructor")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	next := build()
	if next == nil {
		return nil, fmt.Errorf("escrow governor: constructor returned nil engine")
	}
	next.SetState(g.state)
	if next.Manager() == ([20]byte{}) && g.engine != nil {
		next.SetManager(g.engine.Manager())
	}
	if next.transfer == nil && g.engine != nil {
		next.SetTransferor(g.engine.transfer)
	}
	deals, err := VerifyInvariants(g.state)
	if err != nil {
		return nil, fmt.Errorf("escrow governor: post-upgrade audit failed: %w", err)
	}
	g.engine = next
	if g.emitter != nil {
		g.emitter.Emit(NewLogicUpgradedEvent(g.owner, deals))
	}
	return next, nil
}

// RotateManager replaces the escrow manager identity on the installed logic.
func (g *Governor) RotateManager(caller, manager [20]byte) error {
	if caller != g.owner {
		return ErrOwnerOnly
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engine == nil {
		return fmt.Errorf("escrow governor: no engine installed")
	}
	g.engine.SetManager(manager)
	return nil
}

// VerifyInvariants checks every stored deal against the registry invariants:
// positive amounts, legal states, dispute records present for disputed deals,
// and custody equal to the sum of open-deal amounts. It returns the number of
// deals audited.
func VerifyInvariants(state GovernedState) (int, error) {
	deals, err := state.DealList()
	if err != nil {
		return 0, err
	}
	open := big.NewInt(0)
	for _, deal := range deals {
		if _, err := SanitizeDeal(deal); err != nil {
			return 0, fmt.Errorf("deal %x: %w", deal.ID, err)
		}
		stored, ok := state.DealGet(deal.ID)
		if !ok || stored == nil {
			return 0, fmt.Errorf("deal %x: not readable by id", deal.ID)
		}
		if deal.State == DealDispute {
			if _, ok := state.DisputeGet(deal.ID); !ok {
				return 0, fmt.Errorf("deal %x: disputed without dispute record", deal.ID)
			}
		}
		if deal.State != DealClosed {
			open.Add(open, deal.Amount)
		}
	}
	if custody := state.CustodyBalance(); custody.Cmp(open) != 0 {
		return 0, fmt.Errorf("custody balance %s does not cover open deals %s", custody, open)
	}
	return len(deals), nil
}
