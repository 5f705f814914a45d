package config

import (
	"fmt"
	"strings"

	"github.com/coral-mesh/coral-hook/internal/arch"
	"github.com/coral-mesh/coral-hook/internal/logging"
	"github.com/coral-mesh/coral-hook/internal/patch"
	"github.com/coral-mesh/coral-hook/internal/symbols"
	"github.com/coral-mesh/coral-hook/internal/trampoline"
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError collects every validation error.
type MultiValidationError struct {
	Errors []ValidationError
}

func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

type collector struct {
	errors []ValidationError
}

func (c *collector) add(field, format string, args ...any) {
	c.errors = append(c.errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *collector) err() error {
	if len(c.errors) == 0 {
		return nil
	}
	return &MultiValidationError{Errors: c.errors}
}

// Validate checks the whole configuration and reports every problem.
func (c *Config) Validate() error {
	v := &collector{}

	if c.Version == "" {
		v.add("version", "version is required")
	}
	if c.Log.Level != "" && !logging.ValidLevel(c.Log.Level) {
		v.add("log.level", "unknown level %q", c.Log.Level)
	}

	if c.Target.PID < 0 {
		v.add("target.pid", "must not be negative")
	}
	if c.Target.WaitAttempts < 0 {
		v.add("target.wait_attempts", "must not be negative")
	}

	c.Session.validate(v)

	if c.Observer.Buffer <= 0 {
		v.add("observer.buffer", "must be positive")
	}
	if c.Observer.OTLP.BatchSize < 0 {
		v.add("observer.otlp.batch_size", "must not be negative")
	}

	if len(c.Hooks) == 0 {
		v.add("hooks", "at least one hook is required")
	}
	names := map[string]bool{}
	for i, h := range c.Hooks {
		prefix := fmt.Sprintf("hooks[%d]", i)
		if names[h.Name] {
			v.add(prefix+".name", "duplicate hook name %q", h.Name)
		}
		names[h.Name] = true
		h.validate(prefix, v)
	}

	if _, err := CompileOffsets(c.Offsets); err != nil {
		v.add("offsets", "%v", err)
	}

	return v.err()
}

func (s SessionConfig) validate(v *collector) {
	style, styleErr := patch.ParseJumpStyle(s.JumpStyle)
	if styleErr != nil {
		v.add("session.jump_style", "%v", styleErr)
	}
	if s.Arch != "" {
		a, err := arch.Parse(s.Arch)
		if err != nil {
			v.add("session.arch", "%v", err)
		} else if styleErr == nil {
			if _, err := patch.JumpLen(a, style); err != nil {
				v.add("session.jump_style", "%v", err)
			}
		}
	}

	switch s.CallbackMode {
	case CallbackTrap:
	case CallbackAddress:
		if s.CallbackAddress == 0 {
			v.add("session.callback_address", "required when callback_mode is %q", CallbackAddress)
		}
	default:
		v.add("session.callback_mode", "must be %q or %q", CallbackTrap, CallbackAddress)
	}

	if s.StackSlots <= 0 {
		v.add("session.stack_slots", "must be positive")
	}
	if s.StackSize < trampoline.MinStackSize {
		v.add("session.stack_size", "must be at least %d bytes", trampoline.MinStackSize)
	}
	if s.SyntheticEndDelay < 0 {
		v.add("session.synthetic_end_delay", "must not be negative")
	}
	if s.CloseMode != CloseComplete && s.CloseMode != CloseDrop {
		v.add("session.close_mode", "must be %q or %q", CloseComplete, CloseDrop)
	}
}

func (h HookConfig) validate(prefix string, v *collector) {
	if h.Name == "" {
		v.add(prefix+".name", "name is required")
	}
	if h.Symbol == "" && h.Substring == "" {
		v.add(prefix+".symbol", "symbol or substring is required")
	}
	if _, err := symbols.ParseKind(h.Kind); err != nil {
		v.add(prefix+".kind", "%v", err)
	}

	kinds, err := h.ArgKinds()
	if err != nil {
		v.add(prefix+".args", "%v", err)
		return
	}
	if len(h.Capture) == 0 {
		v.add(prefix+".capture", "at least one argument must be captured")
	}
	words := 0
	for _, idx := range h.Capture {
		if idx < 0 || idx >= len(kinds) {
			v.add(prefix+".capture", "index %d out of range for %d arguments", idx, len(kinds))
			continue
		}
		words += kinds[idx].Words()
	}

	roles := map[string]bool{}
	for j, f := range h.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, j)
		if f.Role != RoleMethod && f.Role != RoleURI {
			v.add(fp+".role", "must be %q or %q", RoleMethod, RoleURI)
		}
		if roles[f.Role] {
			v.add(fp+".role", "duplicate role %q", f.Role)
		}
		roles[f.Role] = true
		if f.Offset == nil && (f.Struct == "" || f.Field == "") {
			v.add(fp, "offset or struct and field are required")
		}
		if f.MaxLen <= 0 {
			v.add(fp+".max_len", "must be positive")
		}
		if f.Word < 0 || f.Word >= words {
			v.add(fp+".word", "captured word %d out of range for %d words", f.Word, words)
		}
	}
}

// ArgKinds parses the hook's argument kinds.
func (h HookConfig) ArgKinds() ([]arch.ArgKind, error) {
	out := make([]arch.ArgKind, 0, len(h.Args))
	for _, a := range h.Args {
		k, err := arch.ParseArgKind(a)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// Query is the symbol lookup for the hook. An unknown kind matches any.
func (h HookConfig) Query() symbols.Query {
	k, _ := symbols.ParseKind(h.Kind)
	return symbols.Query{Name: h.Symbol, Substring: h.Substring, Kind: k}
}
