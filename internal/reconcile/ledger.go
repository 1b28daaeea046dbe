// Package reconcile keeps a durable record of objects left behind by
// partially applied operations and retries their removal.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("ledger database handle is required")
	errMissingPath     = errors.New("orphan object path is required")
	errMissingRemover  = errors.New("object remover is required")
	errMissingChecker  = errors.New("reference checker is required")
)

// OrphanObject is an object that no collection references any more.
type OrphanObject struct {
	ID               uint   `gorm:"column:id;primaryKey;autoIncrement"`
	ObjectPath       string `gorm:"column:object_path;size:512;not null;uniqueIndex"`
	Collection       string `gorm:"column:collection;size:64;not null"`
	Operation        string `gorm:"column:operation;size:64;not null"`
	Reason           string `gorm:"column:reason;size:1024"`
	Attempts         int    `gorm:"column:attempts;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (OrphanObject) TableName() string {
	return "orphan_objects"
}

// Orphan describes an object to record.
type Orphan struct {
	ObjectPath string
	Collection string
	Operation  string
	Cause      error
}

// Recorder persists orphans. Services accept a nil Recorder.
type Recorder interface {
	RecordOrphan(ctx context.Context, orphan Orphan) error
}

// Remover deletes an object from the object host.
type Remover interface {
	Remove(ctx context.Context, path, description string) error
}

// ReferenceChecker reports whether a collection entry points at objectPath.
type ReferenceChecker interface {
	References(ctx context.Context, objectPath string) (bool, error)
}

// AnyReference consults every checker and reports the first reference found.
type AnyReference []ReferenceChecker

func (checkers AnyReference) References(ctx context.Context, objectPath string) (bool, error) {
	for _, checker := range checkers {
		referenced, err := checker.References(ctx, objectPath)
		if err != nil || referenced {
			return referenced, err
		}
	}
	return false, nil
}

// Ledger is the SQLite-backed Recorder.
type Ledger struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewLedger constructs a Ledger over an already migrated database.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: cfg.Database, clock: clock, logger: logger}, nil
}

// RecordOrphan inserts the orphan, or bumps the attempt counter when the
// path is already recorded. Paths are stored relative.
func (l *Ledger) RecordOrphan(ctx context.Context, orphan Orphan) error {
	objectPath := strings.TrimLeft(strings.TrimSpace(orphan.ObjectPath), "/")
	if objectPath == "" {
		return errMissingPath
	}
	now := l.clock().UTC().Unix()
	reason := ""
	if orphan.Cause != nil {
		reason = truncate(orphan.Cause.Error(), 1024)
	}
	record := OrphanObject{
		ObjectPath:       objectPath,
		Collection:       orphan.Collection,
		Operation:        orphan.Operation,
		Reason:           reason,
		Attempts:         1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "object_path"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"attempts":     gorm.Expr("attempts + 1"),
			"reason":       reason,
			"updated_at_s": now,
		}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("record orphan %s: %w", objectPath, err)
	}
	l.logger.Warn("orphaned object recorded",
		zap.String("object_path", objectPath),
		zap.String("collection", orphan.Collection),
		zap.String("operation", orphan.Operation))
	return nil
}

// Pending lists recorded orphans, oldest first.
func (l *Ledger) Pending(ctx context.Context) ([]OrphanObject, error) {
	var records []OrphanObject
	if err := l.db.WithContext(ctx).Order("created_at_s ASC, id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	return records, nil
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Attempted  int
	Removed    int
	Referenced int
	Failed     int
}

// Sweep retries removal of every pending orphan. Objects some entry still
// references are kept and their rows forgotten. Rows whose removal succeeds
// are deleted; failures bump the attempt counter and stay for the next run.
func (l *Ledger) Sweep(ctx context.Context, remover Remover, checker ReferenceChecker) (SweepReport, error) {
	if remover == nil {
		return SweepReport{}, errMissingRemover
	}
	if checker == nil {
		return SweepReport{}, errMissingChecker
	}
	records, err := l.Pending(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{}
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		referenced, checkErr := checker.References(ctx, record.ObjectPath)
		if checkErr != nil {
			report.Failed++
			if err := l.bump(ctx, record, checkErr); err != nil {
				return report, err
			}
			continue
		}
		if referenced {
			if err := l.db.WithContext(ctx).Delete(&OrphanObject{}, record.ID).Error; err != nil {
				return report, fmt.Errorf("forget orphan %s: %w", record.ObjectPath, err)
			}
			report.Referenced++
			l.logger.Info("recorded object still referenced", zap.String("object_path", record.ObjectPath))
			continue
		}
		description := fmt.Sprintf("Remove orphaned object %s", record.ObjectPath)
		if removeErr := remover.Remove(ctx, record.ObjectPath, description); removeErr != nil {
			report.Failed++
			if err := l.bump(ctx, record, removeErr); err != nil {
				return report, err
			}
			continue
		}
		if err := l.db.WithContext(ctx).Delete(&OrphanObject{}, record.ID).Error; err != nil {
			return report, fmt.Errorf("forget orphan %s: %w", record.ObjectPath, err)
		}
		report.Removed++
		l.logger.Info("orphaned object removed", zap.String("object_path", record.ObjectPath))
	}
	return report, nil
}

func (l *Ledger) bump(ctx context.Context, record OrphanObject, cause error) error {
	l.logger.Warn("orphan removal failed",
		zap.String("object_path", record.ObjectPath),
		zap.Int("attempts", record.Attempts+1),
		zap.Error(cause))
	update := map[string]interface{}{
		"attempts":     gorm.Expr("attempts + 1"),
		"reason":       truncate(cause.Error(), 1024),
		"updated_at_s": l.clock().UTC().Unix(),
	}
	if err := l.db.WithContext(ctx).Model(&OrphanObject{}).Where("id = ?", record.ID).Updates(update).Error; err != nil {
		return fmt.Errorf("update orphan %s: %w", record.ObjectPath, err)
	}
	return nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return strings.ToValidUTF8(value[:limit], "")
}
