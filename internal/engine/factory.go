// Package engine provides the bulk transfer engines that move payload data
// into a staging directory: rsync (external program) and a native copier.
package engine

import (
	"github.com/trctl/trmv/pkg/model"
)

// NewEngine creates an engine based on the specified type.
// Falls back to CopyEngine if the requested engine is not available.
func NewEngine(engineType model.EngineType, opts Options) Engine {
	switch engineType {
	case model.EngineRsync:
		return NewRsyncEngine(opts)
	default:
		return NewCopyEngine(opts)
	}
}
