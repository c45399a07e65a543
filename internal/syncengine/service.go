package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gamesync/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultPageSize caps the number of changes returned by a single pull.
const DefaultPageSize = 1000

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code for a failed call.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "syncengine.service.new"
	opPush       = "syncengine.push"
	opPull       = "syncengine.pull"
	opHead       = "syncengine.head"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	PageSize int
}

// Service runs push batches and pulls against the shared store.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	pageSize int
	ledger   ledger
	events   eventLog
	engine   applyEngine
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &Service{
		db:       cfg.Database,
		clock:    clock,
		logger:   logger,
		pageSize: pageSize,
		engine:   applyEngine{events: eventLog{}},
	}, nil
}

// Push applies a batch in array order inside one transaction. Payload validation
// failures become failed results and the batch continues; any other error rolls
// the whole batch back.
func (s *Service) Push(ctx context.Context, operations []Operation) (PushOutcome, error) {
	outcome := PushOutcome{Results: make([]PushResult, 0, len(operations))}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range operations {
			stored, found, err := s.ledger.lookup(tx, op.OpID())
			if err != nil {
				s.logError(opPush, "ledger_lookup_failed", err, zap.String("op_id", op.OpID()))
				return newServiceError(opPush, "ledger_lookup_failed", err)
			}
			if found {
				outcome.Results = append(outcome.Results, stored)
				continue
			}

			appliedAt := s.clock().UTC()
			result, err := s.engine.apply(tx, op, appliedAt)
			if err != nil {
				if !errors.Is(err, entities.ErrInvalidPayload) {
					s.logError(opPush, "apply_failed", err,
						zap.String("op_id", op.OpID()),
						zap.String("entity_type", string(op.EntityType())))
					return newServiceError(opPush, "apply_failed", err)
				}
				result = PushResult{OpID: op.OpID(), Status: StatusFailed, Message: failureMessage(err)}
			}

			if err := s.ledger.record(tx, op, result, appliedAt); err != nil {
				s.logError(opPush, "ledger_record_failed", err, zap.String("op_id", op.OpID()))
				return newServiceError(opPush, "ledger_record_failed", err)
			}
			outcome.Results = append(outcome.Results, result)
		}

		maxEventID, err := s.events.maxEventID(tx)
		if err != nil {
			s.logError(opPush, "cursor_read_failed", err)
			return newServiceError(opPush, "cursor_read_failed", err)
		}
		outcome.Cursor = Cursor(maxEventID)
		return nil
	})

	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			return PushOutcome{}, txErr
		}
		s.logError(opPush, "commit_failed", txErr, zap.Int("operations", len(operations)))
		return PushOutcome{}, newServiceError(opPush, "commit_failed", txErr)
	}

	return outcome, nil
}

// Pull returns up to one page of events strictly after cursor. The returned
// cursor is the last event id served, or the input cursor when nothing is newer.
func (s *Service) Pull(ctx context.Context, cursor Cursor) (PullOutcome, error) {
	if cursor < 0 {
		cursor = 0
	}
	events, err := s.events.listAfter(s.db.WithContext(ctx), cursor.Int64(), s.pageSize)
	if err != nil {
		s.logError(opPull, "query_failed", err, zap.Int64("cursor", cursor.Int64()))
		return PullOutcome{}, newServiceError(opPull, "query_failed", err)
	}

	outcome := PullOutcome{Cursor: cursor, Changes: make([]Change, 0, len(events))}
	for _, event := range events {
		outcome.Changes = append(outcome.Changes, Change{
			EventID:    event.EventID,
			EntityType: entities.EntityType(event.EntityType),
			Operation:  entities.OperationKind(event.Operation),
			Payload:    []byte(event.Payload),
			ServerTime: time.UnixMilli(event.AppliedAtMillis).UTC(),
		})
		outcome.Cursor = Cursor(event.EventID)
	}
	return outcome, nil
}

// Head returns the id of the newest event in the log.
func (s *Service) Head(ctx context.Context) (Cursor, error) {
	maxEventID, err := s.events.maxEventID(s.db.WithContext(ctx))
	if err != nil {
		s.logError(opHead, "query_failed", err)
		return 0, newServiceError(opHead, "query_failed", err)
	}
	return Cursor(maxEventID), nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sync service error", attrs...)
}

// failureMessage is the client facing text of a rejected operation.
func failureMessage(err error) string {
	var validationErr *entities.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Detail()
	}
	return err.Error()
}
