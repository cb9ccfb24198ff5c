// Package kconfig holds kernel tunables as a plain struct of defaults.
// A microkernel has no filesystem to read a config file from before
// the allocators exist, so tunables live in code, not in a parsed
// file.
package kconfig

import "time"

// Config bundles every kernel tunable into one defaulted struct.
type Config struct {
	// MaxQuantum bounds a thread's continuous user-mode execution
	// before the executor forces a Yield.
	MaxQuantum time.Duration

	// HeapChunk is the size of a contiguous frame run the kernel heap
	// requests from the frame allocator on OOM. Requests
	// larger than this fail without retry.
	HeapChunk int

	// FirmwareWindowBytes is the size of the fixed firmware window at
	// the start of RAM.
	FirmwareWindowBytes uint64

	// MaxMessagePayload is the maximum IPC message/reply payload in
	// bytes.
	MaxMessagePayload int

	// MaxDebugWrite bounds a single DebugWrite syscall's kernel-side
	// buffer.
	MaxDebugWrite int

	// MaxServiceName bounds the length of a ServiceRegister/
	// ServiceConnect name copied from user memory.
	MaxServiceName int
}

// Default returns the tunables used when nothing overrides them.
func Default() Config {
	return Config{
		MaxQuantum:          10 * time.Millisecond,
		HeapChunk:           128 * 1024,
		FirmwareWindowBytes: 2 * 1024 * 1024,
		MaxMessagePayload:   256,
		MaxDebugWrite:       4096,
		MaxServiceName:      64,
	}
}
