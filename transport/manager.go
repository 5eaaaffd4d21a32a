package transport

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Manager applies pending switches and keeps the active transport alive.
// Start and Check must be called from the main loop only.
type Manager struct {
	sel      *Selection
	engine   Engine
	adapters [numIDs]Adapter
	log      *slog.Logger

	// OnSwitch, when set, is called after every completed switch.
	OnSwitch func(from, to ID)

	switches atomic.Uint32
}

// NewManager builds a manager over the given adapters. Every supported
// transport and the selection's current one must have an adapter.
func NewManager(sel *Selection, engine Engine, logger *slog.Logger, adapters ...Adapter) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{sel: sel, engine: engine, log: logger}
	for _, a := range adapters {
		id := a.ID()
		if !id.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
		}
		if m.adapters[id] != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		m.adapters[id] = a
	}
	if !m.Has(sel.Current()) {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, sel.Current())
	}
	return m, nil
}

// Has reports whether an adapter is registered for id.
func (m *Manager) Has(id ID) bool {
	return id.Valid() && m.adapters[id] != nil
}

// Start configures and starts the current transport.
func (m *Manager) Start() error {
	id := m.sel.Current()
	if err := m.bringUp(id); err != nil {
		return err
	}
	m.log.Info("transport:started", slog.String("name", id.String()))
	return nil
}

// Check applies an outstanding switch, or resets the current transport when
// none is pending. It does not return mid-switch.
func (m *Manager) Check() error {
	cur := m.sel.Current()
	next := m.sel.Pending()
	if next == cur {
		m.engine.TransportReset()
		return nil
	}

	m.log.Info("transport:switching",
		slog.String("from", cur.String()),
		slog.String("to", next.String()),
	)
	m.engine.TransportReset()
	m.engine.TransportStop()
	if err := m.bringUp(next); err != nil {
		return err
	}
	m.sel.commit(next)
	m.switches.Add(1)
	if m.OnSwitch != nil {
		m.OnSwitch(cur, next)
	}
	return nil
}

// Switches returns the number of completed switches.
func (m *Manager) Switches() uint32 {
	return m.switches.Load()
}

func (m *Manager) bringUp(id ID) error {
	if !m.Has(id) {
		m.log.Error("transport:no-adapter", slog.String("name", id.String()))
		return fmt.Errorf("%w: %s", ErrNoAdapter, id)
	}
	if err := m.adapters[id].Configure(m.engine); err != nil {
		m.log.Error("transport:configure-failed",
			slog.String("name", id.String()),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("transport: configure %s: %w", id, err)
	}
	if err := m.engine.TransportStart(id); err != nil {
		m.log.Error("transport:start-failed",
			slog.String("name", id.String()),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("transport: start %s: %w", id, err)
	}
	return nil
}
