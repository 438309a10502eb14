//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds one system bus connection.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// New connects to the system bus using ctx for the handshake.
func New(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Do queues action on unit in "replace" mode and waits for the job result
// ("done", "failed", "canceled", ...). A result other than "done" is an error.
func (m *Manager) Do(ctx context.Context, action Action, unit string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return "", fmt.Errorf("systemd connection is closed")
	}
	unit = NormalizeUnit(unit)

	ch := make(chan string, 1)
	var err error
	switch action {
	case ActionStart:
		_, err = m.conn.StartUnitContext(ctx, unit, "replace", ch)
	case ActionStop:
		_, err = m.conn.StopUnitContext(ctx, unit, "replace", ch)
	case ActionRestart:
		_, err = m.conn.RestartUnitContext(ctx, unit, "replace", ch)
	case ActionReload:
		_, err = m.conn.ReloadUnitContext(ctx, unit, "replace", ch)
	default:
		return "", fmt.Errorf("unknown unit action %q", action)
	}
	if err != nil {
		return "", fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}

	select {
	case res := <-ch:
		if res != "done" {
			return res, fmt.Errorf("%s %s: job %s", action, unit, res)
		}
		return res, nil
	case <-ctx.Done():
		return "", context.Cause(ctx)
	}
}

func (m *Manager) Status(ctx context.Context, unit string) (UnitStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return UnitStatus{}, fmt.Errorf("systemd connection is closed")
	}
	unit = NormalizeUnit(unit)
	props, err := m.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("status %s: %w", unit, err)
	}
	str := func(k string) string {
		s, _ := props[k].(string)
		return s
	}
	return UnitStatus{
		Name:        unit,
		Description: str("Description"),
		LoadState:   str("LoadState"),
		ActiveState: str("ActiveState"),
		SubState:    str("SubState"),
	}, nil
}
