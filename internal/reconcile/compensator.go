package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/failure"
	"go.uber.org/zap"
)

var errUnknownObject = errors.New("object path could not be derived from the entry")

// Compensator cleans up objects that a failed or completed mutation left
// without a referencing entry.
type Compensator struct {
	collection string
	remover    Remover
	recorder   Recorder
	logger     *zap.Logger
}

// NewCompensator constructs a Compensator for one collection. recorder may be nil.
func NewCompensator(collection string, remover Remover, recorder Recorder, logger *zap.Logger) (*Compensator, error) {
	if remover == nil {
		return nil, errMissingRemover
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compensator{collection: collection, remover: remover, recorder: recorder, logger: logger}, nil
}

// ReferenceCheck reports whether the collection now references the
// uploaded object.
type ReferenceCheck func(ctx context.Context) (bool, error)

// AbandonUpload is called when the metadata write failed after objectPath
// was uploaded. Definite failures remove the object, recording it when that
// fails. When the write outcome is unknown, referenced decides: a committed
// entry keeps its object and AbandonUpload returns nil, otherwise the object
// is left in place and recorded for a later sweep. Any non-nil result is a
// *failure.PartialFailureError wrapping cause.
func (c *Compensator) AbandonUpload(ctx context.Context, operation, objectPath string, cause error, referenced ReferenceCheck) error {
	partial := &failure.PartialFailureError{
		Operation:  operation,
		ObjectPath: objectPath,
		Cause:      cause,
	}
	// The request context may already be the reason the write failed.
	cleanupCtx := context.WithoutCancel(ctx)
	fields := []zap.Field{
		zap.String("collection", c.collection),
		zap.String("operation", operation),
		zap.String("object_path", objectPath),
		zap.NamedError("cause", cause),
	}

	if failure.Unconfirmed(cause) {
		if referenced == nil {
			c.logger.Warn("upload kept after unconfirmed write", fields...)
			c.record(cleanupCtx, operation, objectPath, cause)
			return partial
		}
		committed, err := referenced(cleanupCtx)
		if err != nil {
			c.logger.Warn("upload kept after unconfirmed write", append(fields, zap.Error(err))...)
			c.record(cleanupCtx, operation, objectPath, errors.Join(cause, err))
			return partial
		}
		if committed {
			c.logger.Info("unconfirmed write committed", fields...)
			return nil
		}
		c.logger.Warn("upload kept after unconfirmed write", fields...)
		c.record(cleanupCtx, operation, objectPath, cause)
		return partial
	}

	description := fmt.Sprintf("Roll back upload %s", objectPath)
	if err := c.remover.Remove(cleanupCtx, objectPath, description); err != nil {
		c.logger.Warn("upload rollback failed", append(fields, zap.Error(err))...)
		c.record(cleanupCtx, operation, objectPath, errors.Join(cause, err))
		return partial
	}
	partial.Compensated = true
	c.logger.Info("upload rolled back", fields...)
	return partial
}

// ReleaseObject removes the object of a deleted entry on a best-effort basis.
// Failures are logged and recorded, never returned.
func (c *Compensator) ReleaseObject(ctx context.Context, operation, objectPath, description string) (bool, error) {
	if objectPath == "" {
		c.logger.Warn("object path unknown for deleted entry",
			zap.String("collection", c.collection),
			zap.String("operation", operation))
		return false, errUnknownObject
	}
	if err := c.remover.Remove(ctx, objectPath, description); err != nil {
		c.logger.Warn("object removal failed after entry deletion",
			zap.String("collection", c.collection),
			zap.String("operation", operation),
			zap.String("object_path", objectPath),
			zap.Error(err))
		c.record(context.WithoutCancel(ctx), operation, objectPath, err)
		return false, err
	}
	return true, nil
}

func (c *Compensator) record(ctx context.Context, operation, objectPath string, cause error) {
	if c.recorder == nil {
		return
	}
	err := c.recorder.RecordOrphan(ctx, Orphan{
		ObjectPath: objectPath,
		Collection: c.collection,
		Operation:  operation,
		Cause:      cause,
	})
	if err != nil {
		c.logger.Error("orphan ledger write failed",
			zap.String("collection", c.collection),
			zap.String("object_path", objectPath),
			zap.Error(err))
	}
}
