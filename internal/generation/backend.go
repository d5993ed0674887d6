// Package generation holds the generation backends a coordinator hands new
// tasks to.
package generation

import (
	"context"

	"changedesk/internal/taskstate"
)

// Manual leaves generation to an external process that reports through the
// bridge routes.
type Manual struct{}

func (Manual) Generate(context.Context, taskstate.Task) error { return nil }
