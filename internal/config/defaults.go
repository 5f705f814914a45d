package config

import (
	"time"

	"github.com/coral-mesh/coral-hook/internal/trampoline"
)

const (
	DefaultLogLevel          = "info"
	DefaultStackSlots        = trampoline.DefaultStackSlots
	DefaultStackSize         = trampoline.DefaultStackSize
	DefaultEventBuffer       = 1024
	DefaultWaitAttempts      = 30
	DefaultWaitInterval      = time.Second
	DefaultQuiesceTimeout    = 5 * time.Second
	DefaultSyntheticEndDelay = 10 * time.Millisecond

	httpRequest = "net/http.Request"
)

// requestFields are the http.Request fields every default hook captures.
func requestFields() []FieldConfig {
	return []FieldConfig{
		{Role: RoleMethod, Struct: httpRequest, Field: "Method", MaxLen: 20, Default: "GET"},
		{Role: RoleURI, Struct: httpRequest, Field: "RequestURI", MaxLen: 2048, Default: "/"},
	}
}

// DefaultHooks returns the handler hooks and the generic ServeHTTP
// fallback.
func DefaultHooks() []HookConfig {
	return []HookConfig{
		{
			Name:      "LoadHandler",
			Symbol:    "main.(*Input).LoadHandler",
			Substring: "LoadHandler",
			Kind:      "method",
			Args:      []string{"pointer", "interface", "pointer"},
			Capture:   []int{2},
			Fields:    requestFields(),
		},
		{
			Name:      "HealthHandler",
			Symbol:    "main.HealthHandler",
			Substring: "HealthHandler",
			Kind:      "function",
			Args:      []string{"interface", "pointer"},
			Capture:   []int{1},
			Fields:    requestFields(),
		},
		{
			Name:      "ServeHTTP",
			Symbol:    "net/http.serverHandler.ServeHTTP",
			Substring: "serverHandler.ServeHTTP",
			Kind:      "method",
			Args:      []string{"word", "interface", "pointer"},
			Capture:   []int{2},
			Fields:    requestFields(),
			Fallback:  true,
		},
	}
}

// DefaultOffsets is the http.Request layout, unchanged for the string
// fields since Go 1.13.
func DefaultOffsets() []OffsetEntry {
	return []OffsetEntry{
		{
			GoVersion: ">= 1.13",
			Structs: map[string]map[string]uint64{
				httpRequest: {"Method": 0, "RequestURI": 192},
			},
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Version: SchemaVersion,
		Log:     LogConfig{Level: DefaultLogLevel, Pretty: true},
		Target: TargetConfig{
			WaitAttempts: DefaultWaitAttempts,
			WaitInterval: DefaultWaitInterval,
		},
		Session: SessionConfig{
			JumpStyle:         "indirect",
			CallbackMode:      CallbackTrap,
			StackSlots:        DefaultStackSlots,
			StackSize:         DefaultStackSize,
			SyntheticEndDelay: DefaultSyntheticEndDelay,
			CloseMode:         CloseComplete,
			QuiesceTimeout:    DefaultQuiesceTimeout,
		},
		Observer: ObserverConfig{
			Output: "stdout",
			Buffer: DefaultEventBuffer,
		},
		Hooks:   DefaultHooks(),
		Offsets: DefaultOffsets(),
	}
}
