package merging

import (
	"context"
	"errors"

	"github.com/Ramsey-B/fern/pkg/models"
)

// FanoutEmitter forwards each post-commit event to every registered
// emitter. Every emitter is attempted even when an earlier one fails.
type FanoutEmitter []EventEmitter

// EmitEntitiesMerged forwards a merge event to all emitters
func (f FanoutEmitter) EmitEntitiesMerged(ctx context.Context, record *models.MergeHistory) error {
	var errs []error
	for _, emitter := range f {
		if err := emitter.EmitEntitiesMerged(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EmitMergeUndone forwards an undo event to all emitters
func (f FanoutEmitter) EmitMergeUndone(ctx context.Context, record *models.MergeHistory) error {
	var errs []error
	for _, emitter := range f {
		if err := emitter.EmitMergeUndone(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
