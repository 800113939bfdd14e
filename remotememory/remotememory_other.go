//go:build !linux

// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "github.com/coreinspect/dwarfcore/remotememory"

import (
	"fmt"
	"runtime"
)

// ReadAt is the stub implementation, allowing to compile the remotememory
// package on non linux systems, always failing at runtime with an error if used.
func (vm ProcessVirtualMemory) ReadAt(_ []byte, _ int64) (int, error) {
	return 0, fmt.Errorf("unsupported os %s", runtime.GOOS)
}
