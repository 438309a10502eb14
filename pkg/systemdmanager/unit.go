// Package systemdmanager drives systemd units over D-Bus.
package systemdmanager

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

// Action is an operation on a unit.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
)

// ParseAction accepts start, stop, restart and reload, case-insensitive.
// Empty means restart.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ActionRestart, nil
	case ActionStart, ActionStop, ActionRestart, ActionReload:
		return a, nil
	default:
		return "", fmt.Errorf("unknown unit action %q", s)
	}
}

// UnitStatus is the subset of unit properties callers care about.
type UnitStatus struct {
	Name        string
	Description string
	LoadState   string
	ActiveState string
	SubState    string
}

// NormalizeUnit appends ".service" to names without a unit suffix.
func NormalizeUnit(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, sfx := range []string{".service", ".timer", ".socket", ".target", ".mount", ".path", ".slice", ".scope"} {
		if strings.HasSuffix(name, sfx) {
			return name
		}
	}
	return name + ".service"
}
