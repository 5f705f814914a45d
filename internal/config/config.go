// Package config loads the hook session configuration: which process to
// attach to, which functions to hook, where the captured request fields
// live, and where events go.
package config

import (
	"time"
)

// SchemaVersion is the current configuration schema version.
const SchemaVersion = "1"

// Config is the whole session configuration.
type Config struct {
	Version string `yaml:"version"`

	Log      LogConfig      `yaml:"log"`
	Target   TargetConfig   `yaml:"target"`
	Session  SessionConfig  `yaml:"session"`
	Observer ObserverConfig `yaml:"observer"`

	// Hooks are tried in order. Hooks marked Fallback are only installed
	// when none of the others resolved.
	Hooks []HookConfig `yaml:"hooks"`

	// Offsets maps Go version constraints to structure field offsets.
	Offsets []OffsetEntry `yaml:"offsets"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `yaml:"level" env:"CORAL_HOOK_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"CORAL_HOOK_LOG_PRETTY"`
}

// TargetConfig selects the process to instrument.
type TargetConfig struct {
	PID  int    `yaml:"pid" env:"CORAL_HOOK_TARGET_PID"`
	Name string `yaml:"name" env:"CORAL_HOOK_TARGET_NAME"`
	// Binary overrides the executable path read from /proc/<pid>/exe.
	Binary string `yaml:"binary" env:"CORAL_HOOK_TARGET_BINARY"`

	// WaitAttempts and WaitInterval bound the search for a process by name.
	WaitAttempts int           `yaml:"wait_attempts"`
	WaitInterval time.Duration `yaml:"wait_interval"`
}

// Callback modes.
const (
	CallbackTrap    = "trap"
	CallbackAddress = "address"
)

// Close modes for spans still open at teardown.
const (
	CloseComplete = "complete"
	CloseDrop     = "drop"
)

// SessionConfig tunes the interception engine.
type SessionConfig struct {
	// Arch is the target architecture; empty means the host's.
	Arch      string `yaml:"arch" env:"CORAL_HOOK_ARCH"`
	JumpStyle string `yaml:"jump_style" env:"CORAL_HOOK_JUMP_STYLE"`

	CallbackMode    string `yaml:"callback_mode" env:"CORAL_HOOK_CALLBACK_MODE"`
	CallbackAddress uint64 `yaml:"callback_address" env:"CORAL_HOOK_CALLBACK_ADDRESS"`

	StackSlots int    `yaml:"stack_slots" env:"CORAL_HOOK_STACK_SLOTS"`
	StackSize  uint64 `yaml:"stack_size" env:"CORAL_HOOK_STACK_SIZE"`

	// SyntheticEndDelay ends a span this long after it starts. Zero ends
	// it when the callback returns.
	SyntheticEndDelay time.Duration `yaml:"synthetic_end_delay" env:"CORAL_HOOK_SYNTHETIC_END_DELAY"`
	CloseMode         string        `yaml:"close_mode" env:"CORAL_HOOK_CLOSE_MODE"`

	// QuiesceTimeout bounds the wait for threads to leave patched code at
	// teardown.
	QuiesceTimeout time.Duration `yaml:"quiesce_timeout" env:"CORAL_HOOK_QUIESCE_TIMEOUT"`
}

// ObserverConfig selects the event sinks.
type ObserverConfig struct {
	// Output is "stdout", "stderr", a file path, or "none".
	Output string `yaml:"output" env:"CORAL_HOOK_OUTPUT"`
	Buffer int    `yaml:"buffer" env:"CORAL_HOOK_EVENT_BUFFER"`

	OTLP OTLPConfig `yaml:"otlp"`
}

// OTLPConfig enables span export when Endpoint is set.
type OTLPConfig struct {
	Endpoint       string        `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string        `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	ServiceVersion string        `yaml:"service_version" env:"OTEL_SERVICE_VERSION"`
	BatchSize      int           `yaml:"batch_size"`
	Timeout        time.Duration `yaml:"timeout"`
}

// HookConfig describes one function to intercept.
type HookConfig struct {
	Name string `yaml:"name"`
	// Symbol is the exact qualified name; Substring is the fallback match.
	Symbol    string `yaml:"symbol"`
	Substring string `yaml:"substring"`
	// Kind is "function", "method" or empty for either.
	Kind string `yaml:"kind"`

	// Args lists the logical argument kinds, receiver first for methods.
	Args []string `yaml:"args"`
	// Capture lists the argument indexes passed to the callback.
	Capture []int `yaml:"capture"`

	Fields   []FieldConfig `yaml:"fields"`
	Fallback bool          `yaml:"fallback"`
}

// Field roles the span emitter understands.
const (
	RoleMethod = "method"
	RoleURI    = "uri"
)

// FieldConfig locates one string field behind a captured pointer.
type FieldConfig struct {
	Role string `yaml:"role"`
	// Struct and Field name the field in the offset table.
	Struct string `yaml:"struct"`
	Field  string `yaml:"field"`
	// Offset overrides the offset table when set.
	Offset *uint64 `yaml:"offset,omitempty"`
	// Word is the index of the captured word holding the struct pointer.
	Word    int    `yaml:"word"`
	MaxLen  int64  `yaml:"max_len"`
	Default string `yaml:"default"`
}

// OffsetEntry is the field layout for Go versions matching GoVersion.
type OffsetEntry struct {
	GoVersion string                       `yaml:"go_version"`
	Structs   map[string]map[string]uint64 `yaml:"structs"`
}
