package engine

import (
	"fmt"
	"time"

	"github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/module"
)

// Config holds configuration for VM creation
type Config struct {
	// Entry names the function Execute calls. Defaults to "entry".
	Entry string

	// GlobalBase is the guest address of the global data buffer.
	// It must be non-zero and 16-byte aligned; address 0 stays unmapped.
	GlobalBase uint64

	// MaxGlobalData caps the global data buffer in bytes.
	MaxGlobalData uint64

	// StackSize is the size of the guest stack region placed after global data.
	StackSize uint64

	// ExecBudget bounds the wall time of one Execute call. 0 disables it.
	ExecBudget time.Duration

	// MemoryLimitPages sets the maximum guest memory in pages (64KB each).
	// 0 means the engine default (65536 pages = 4GB).
	MemoryLimitPages uint32
}

// Defaults applied by DefaultConfig and by New for zero fields.
const (
	DefaultGlobalBase       = 0x1000
	DefaultMaxGlobalData    = 1 << 20
	DefaultStackSize        = 16 << 10
	DefaultExecBudget       = 250 * time.Millisecond
	DefaultMemoryLimitPages = 256
)

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		Entry:            module.DefaultEntryPoint,
		GlobalBase:       DefaultGlobalBase,
		MaxGlobalData:    DefaultMaxGlobalData,
		StackSize:        DefaultStackSize,
		ExecBudget:       DefaultExecBudget,
		MemoryLimitPages: DefaultMemoryLimitPages,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Entry == "" {
		c.Entry = d.Entry
	}
	if c.GlobalBase == 0 {
		c.GlobalBase = d.GlobalBase
	}
	if c.MaxGlobalData == 0 {
		c.MaxGlobalData = d.MaxGlobalData
	}
	if c.StackSize == 0 {
		c.StackSize = d.StackSize
	}
	return c
}

// Validate reports whether the configuration describes a usable guest layout.
func (c Config) Validate() error {
	if c.GlobalBase == 0 {
		return errors.InvalidInput(errors.PhaseCreate, "global base must be non-zero")
	}
	if c.GlobalBase%16 != 0 {
		return errors.InvalidInput(errors.PhaseCreate, fmt.Sprintf("global base %#x is not 16-byte aligned", c.GlobalBase))
	}
	if c.StackSize%16 != 0 {
		return errors.InvalidInput(errors.PhaseCreate, fmt.Sprintf("stack size %d is not a multiple of 16", c.StackSize))
	}
	if c.ExecBudget < 0 {
		return errors.InvalidInput(errors.PhaseCreate, "negative execution budget")
	}
	if c.MemoryLimitPages > maxPages {
		return errors.InvalidInput(errors.PhaseCreate, fmt.Sprintf("memory limit %d pages exceeds %d", c.MemoryLimitPages, maxPages))
	}
	end := c.GlobalBase + c.MaxGlobalData + 16 + c.StackSize
	if end < c.GlobalBase || end > maxGuestAddress {
		return errors.Overflow(errors.PhaseCreate, end, "32-bit guest address space")
	}
	if c.MemoryLimitPages > 0 && pagesFor(end) > uint64(c.MemoryLimitPages) {
		return errors.InvalidInput(errors.PhaseCreate, fmt.Sprintf(
			"memory limit of %d pages cannot hold %d bytes of global data and stack", c.MemoryLimitPages, end))
	}
	return nil
}

const (
	maxPages        = 65536
	maxGuestAddress = 1 << 32
)
