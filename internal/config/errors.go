package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration matches every load-time failure via errors.Is.
var ErrConfiguration = errors.New("invalid scheduler configuration")

// ConfigurationError aggregates every problem found while loading a document.
type ConfigurationError struct {
	Source   string
	Problems []error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrConfiguration.Error())
	if e.Source != "" {
		b.WriteString(" (")
		b.WriteString(e.Source)
		b.WriteString(")")
	}
	for i, p := range e.Problems {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(p.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) Unwrap() error { return errors.Join(e.Problems...) }

// Problem is one path-tagged validation failure.
type Problem struct {
	Path string
	Msg  string
}

func (p *Problem) Error() string {
	if p.Path == "" {
		return p.Msg
	}
	return fmt.Sprintf("%s: %s", p.Path, p.Msg)
}

func problem(path, msg string) error { return &Problem{Path: path, Msg: msg} }
