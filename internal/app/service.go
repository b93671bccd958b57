package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inspection/api/internal/archival"
	"inspection/api/internal/changelog"
	"inspection/api/internal/config"
	"inspection/api/internal/logger"
	"inspection/api/internal/report"
	"inspection/api/internal/search"
	"inspection/api/internal/sequence"
	"inspection/api/internal/store"
	"inspection/api/internal/util"
)

var (
	stageableStatuses  = []string{store.StatusNeedReview, store.StatusFailArchive}
	approvableStatuses = []string{store.StatusNeedReview, store.StatusFailArchive}
)

// settleTimeout bounds the status updates that move a record out of
// ARCHIVING after the request context may already be gone.
const settleTimeout = 10 * time.Second

type dataStore interface {
	GetRecord(context.Context, string) (store.InspectionRecord, error)
	GetRecordByPrettyID(context.Context, string) (store.InspectionRecord, error)
	CompareAndSwapStatus(context.Context, string, []string, store.RecordPatch) (bool, error)
	AppendChangeLog(context.Context, []store.ChangeLogEntry) ([]store.ChangeLogEntry, error)
	ListChangeLog(context.Context, string) ([]store.ChangeLogEntry, error)
	InSerializableTx(context.Context, func(store.Tx) error) error
	Ping(ctx context.Context) error
}

type archiver interface {
	Run(context.Context, store.InspectionRecord) archival.Result
	Verify(context.Context, store.Archival) error
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexRecord(store.InspectionRecord)
}

type CreateRecordInput struct {
	BranchCode string
	// Fields holds plateNumber, inspectionDate, overallRating and any
	// sections, keyed by their JSON names.
	Fields map[string]any
}

type StageResult struct {
	Record  store.InspectionRecord
	Entries []store.ChangeLogEntry
}

// PendingView is a record with its staged log merged in memory.
type PendingView struct {
	Record  store.InspectionRecord
	Merged  store.Content
	Applied []store.ChangeLogEntry
	Skipped []changelog.Skipped
}

type Service struct {
	cfg       config.Config
	store     dataStore
	pipeline  archiver
	sequences *sequence.Allocator
	search    searchService
	log       *logger.Logger
	now       func() time.Time
	maxDepth  int
}

func New(cfg config.Config, dataStore *store.PostgresStore, pipeline *archival.Pipeline, allocator *sequence.Allocator, searchSvc *search.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	svc := &Service{
		cfg:       cfg,
		store:     dataStore,
		pipeline:  pipeline,
		sequences: allocator,
		log:       log.With("component", "InspectionService"),
		now:       func() time.Time { return time.Now().UTC() },
		maxDepth:  changelog.DefaultMaxDepth,
	}
	if searchSvc != nil {
		svc.search = searchSvc
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateRecord validates an intake submission, allocates its pretty id and
// inserts it in NEED_REVIEW. Allocation and insert share one serializable
// transaction, which is retried once on a write conflict.
func (s *Service) CreateRecord(ctx context.Context, input CreateRecordInput, actorID string) (store.InspectionRecord, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return store.InspectionRecord{}, validationError("actorId is required", nil)
	}
	branch := sequence.NormalizeBranch(input.BranchCode)
	if !sequence.ValidBranch(branch) {
		return store.InspectionRecord{}, validationError("branchCode must be 1-16 uppercase letters or digits", map[string]any{"path": []string{"branchCode"}})
	}
	if err := changelog.ValidateUpdate(input.Fields); err != nil {
		return store.InspectionRecord{}, fieldValidationError(err)
	}
	fields, err := s.normalizeDates(input.Fields)
	if err != nil {
		return store.InspectionRecord{}, err
	}
	for _, required := range []string{store.FieldPlateNumber, store.FieldInspectionDate} {
		if _, ok := fields[required]; !ok {
			return store.InspectionRecord{}, validationError(required+" is required", map[string]any{"path": []string{required}})
		}
	}

	doc := store.Content{}.Document()
	for key, value := range fields {
		doc[key] = changelog.CloneValue(value)
	}
	content, err := store.ContentFromDocument(doc)
	if err != nil {
		return store.InspectionRecord{}, validationError(err.Error(), nil)
	}

	now := s.now()
	record := store.InspectionRecord{
		BranchCode:  branch,
		Status:      store.StatusNeedReview,
		InspectorID: actorID,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = sequence.RetryOnce(ctx, func(ctx context.Context) error {
		return s.store.InSerializableTx(ctx, func(tx store.Tx) error {
			prettyID, err := s.sequences.NextID(ctx, tx, branch, content.InspectionDate)
			if err != nil {
				return err
			}
			record.ID = util.NewID("insp")
			record.PrettyID = prettyID
			return tx.InsertRecord(ctx, record)
		})
	})
	if errors.Is(err, sequence.ErrConflict) {
		return store.InspectionRecord{}, conflictError("could not allocate an inspection id, please retry", err)
	}
	if err != nil {
		return store.InspectionRecord{}, err
	}

	s.log.Info("Inspection created", "record_id", record.ID, "pretty_id", record.PrettyID, "actor_id", actorID)
	s.index(record)
	return record, nil
}

// normalizeDates rewrites inspectionDate as the YYYY-MM-DD calendar day it
// falls on in the allocator's location, so the stored date, the pretty id
// and the change log all agree. fields is not modified.
func (s *Service) normalizeDates(fields map[string]any) (map[string]any, error) {
	raw, ok := fields[store.FieldInspectionDate].(string)
	if !ok {
		return fields, nil
	}
	day, err := store.CanonicalInspectionDate(raw, s.sequences.Location())
	if err != nil {
		return nil, validationError(err.Error(), map[string]any{"path": []string{store.FieldInspectionDate}})
	}
	normalized := make(map[string]any, len(fields))
	for key, value := range fields {
		normalized[key] = value
	}
	normalized[store.FieldInspectionDate] = day
	return normalized, nil
}

func (s *Service) GetRecord(ctx context.Context, recordID string) (store.InspectionRecord, error) {
	record, err := s.store.GetRecord(ctx, recordID)
	if store.IsNotFound(err) {
		return store.InspectionRecord{}, notFoundError("inspection", recordID)
	}
	return record, err
}

func (s *Service) GetRecordByPrettyID(ctx context.Context, prettyID string) (store.InspectionRecord, error) {
	record, err := s.store.GetRecordByPrettyID(ctx, prettyID)
	if store.IsNotFound(err) {
		return store.InspectionRecord{}, notFoundError("inspection", prettyID)
	}
	return record, err
}

// StageEdit records the field-level differences between update and the
// stored record. The record itself is never modified.
func (s *Service) StageEdit(ctx context.Context, recordID, actorID string, update map[string]any) (StageResult, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return StageResult{}, validationError("actorId is required", nil)
	}
	if err := changelog.ValidateUpdate(update); err != nil {
		return StageResult{}, fieldValidationError(err)
	}
	update, err := s.normalizeDates(update)
	if err != nil {
		return StageResult{}, err
	}

	record, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return StageResult{}, err
	}
	if !hasStatus(record.Status, stageableStatuses) {
		return StageResult{}, invalidStateError("stage edits on", record.Status, stageableStatuses)
	}

	changes := changelog.ComputeDiffs(record.Content.Document(), update, s.maxDepth)
	if len(changes) == 0 {
		return StageResult{Record: record, Entries: []store.ChangeLogEntry{}}, nil
	}

	now := s.now()
	entries := make([]store.ChangeLogEntry, 0, len(changes))
	for _, change := range changes {
		entries = append(entries, store.ChangeLogEntry{
			RecordID:  record.ID,
			ActorID:   actorID,
			Path:      change.Path,
			OldValue:  change.OldValue,
			NewValue:  change.NewValue,
			CreatedAt: now,
		})
	}
	saved, err := s.store.AppendChangeLog(ctx, entries)
	if err != nil {
		return StageResult{}, err
	}

	s.log.Info("Edits staged", "record_id", record.ID, "actor_id", actorID, "entries", len(saved))
	return StageResult{Record: record, Entries: saved}, nil
}

// ListChanges returns the staged change log in (createdAt, id) order.
func (s *Service) ListChanges(ctx context.Context, recordID string) ([]store.ChangeLogEntry, error) {
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}
	return s.store.ListChangeLog(ctx, recordID)
}

// PendingRecord previews what approval would persist.
func (s *Service) PendingRecord(ctx context.Context, recordID string) (PendingView, error) {
	record, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return PendingView{}, err
	}
	entries, err := s.store.ListChangeLog(ctx, recordID)
	if err != nil {
		return PendingView{}, err
	}
	merged, err := changelog.MergeLatest(record.Content, entries)
	if err != nil {
		return PendingView{}, err
	}
	return PendingView{Record: record, Merged: merged.Content, Applied: merged.Applied, Skipped: merged.Skipped}, nil
}

// Approve folds the change log into the record, runs the archival pipeline
// and finalizes the status. On pipeline failure the merged values are kept,
// the record returns to NEED_REVIEW without a reviewer and the failure is
// returned. The record is never left in ARCHIVING.
func (s *Service) Approve(ctx context.Context, recordID, actorID string) (store.InspectionRecord, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return store.InspectionRecord{}, validationError("actorId is required", nil)
	}

	record, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return store.InspectionRecord{}, err
	}
	if !hasStatus(record.Status, approvableStatuses) {
		return store.InspectionRecord{}, invalidStateError("approve", record.Status, approvableStatuses)
	}

	entries, err := s.store.ListChangeLog(ctx, recordID)
	if err != nil {
		return store.InspectionRecord{}, err
	}
	merged, err := changelog.MergeLatest(record.Content, entries)
	if err != nil {
		return store.InspectionRecord{}, err
	}
	for _, skipped := range merged.Skipped {
		s.log.Warn("Skipping change log entry during merge",
			"record_id", recordID,
			"entry_id", skipped.Entry.ID,
			"path", strings.Join(skipped.Entry.Path, "."),
			"reason", string(skipped.Reason),
		)
	}

	reviewer := actorID
	claim := store.RecordPatch{
		Status:      store.StatusArchiving,
		Content:     &merged.Content,
		SetReviewer: true,
		ReviewerID:  &reviewer,
	}
	claimed, err := s.store.CompareAndSwapStatus(ctx, recordID, approvableStatuses, claim)
	if err != nil {
		return store.InspectionRecord{}, err
	}
	if !claimed {
		return store.InspectionRecord{}, s.transitionMiss(ctx, recordID, "approve", approvableStatuses)
	}
	claim.Apply(&record)

	s.log.Info("Approval started", "record_id", recordID, "actor_id", actorID, "applied", len(merged.Applied))
	return s.finishApproval(ctx, record)
}

func (s *Service) finishApproval(ctx context.Context, record store.InspectionRecord) (result store.InspectionRecord, err error) {
	settled := false
	defer func() {
		recovered := recover()
		if settled && recovered == nil {
			return
		}
		reason := "approval did not settle"
		if recovered != nil {
			reason = fmt.Sprintf("approval panicked: %v", recovered)
			err = archivalError(&archival.Error{Stage: "panic", Err: errors.New(reason)}, store.StatusFailArchive)
			result = store.InspectionRecord{}
		}
		s.failArchive(record.ID, reason)
	}()

	outcome := s.pipeline.Run(ctx, record)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if outcome.Success {
		patch := store.RecordPatch{Status: store.StatusApproved, Archival: &outcome.Archival}
		ok, err := s.store.CompareAndSwapStatus(settleCtx, record.ID, []string{store.StatusArchiving}, patch)
		if err != nil {
			return store.InspectionRecord{}, fmt.Errorf("finalize approval: %w", err)
		}
		if !ok {
			return store.InspectionRecord{}, fmt.Errorf("finalize approval: inspection %s left ARCHIVING concurrently", record.ID)
		}
		settled = true
		patch.Apply(&record)
		s.log.Info("Inspection approved", "record_id", record.ID, "report_hash", outcome.Archival.ReportHash)
		s.index(record)
		return record, nil
	}

	if outcome.Err == nil {
		outcome.Err = &archival.Error{Stage: archival.StageRender, Err: errors.New(outcome.Reason)}
	}
	rollback := store.RecordPatch{Status: store.StatusNeedReview, SetReviewer: true, ReviewerID: nil}
	ok, err := s.store.CompareAndSwapStatus(settleCtx, record.ID, []string{store.StatusArchiving}, rollback)
	if err != nil {
		return store.InspectionRecord{}, errors.Join(archivalError(outcome.Err, store.StatusFailArchive), err)
	}
	if !ok {
		return store.InspectionRecord{}, archivalError(outcome.Err, store.StatusFailArchive)
	}
	settled = true
	rollback.Apply(&record)
	s.index(record)
	return store.InspectionRecord{}, archivalError(outcome.Err, store.StatusNeedReview)
}

// Archive finalizes an approved inspection after checking that the stored
// report still matches its recorded hash.
func (s *Service) Archive(ctx context.Context, recordID, actorID string) (result store.InspectionRecord, err error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return store.InspectionRecord{}, validationError("actorId is required", nil)
	}

	from := []string{store.StatusApproved}
	claimed, err := s.store.CompareAndSwapStatus(ctx, recordID, from, store.RecordPatch{Status: store.StatusArchiving})
	if err != nil {
		return store.InspectionRecord{}, err
	}
	if !claimed {
		return store.InspectionRecord{}, s.transitionMiss(ctx, recordID, "archive", from)
	}

	settled := false
	defer func() {
		recovered := recover()
		if settled && recovered == nil {
			return
		}
		reason := "archive did not settle"
		if recovered != nil {
			reason = fmt.Sprintf("archive panicked: %v", recovered)
			err = archivalError(&archival.Error{Stage: "panic", Err: errors.New(reason)}, store.StatusFailArchive)
			result = store.InspectionRecord{}
		}
		s.failArchive(recordID, reason)
	}()

	record, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return store.InspectionRecord{}, err
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if verifyErr := s.pipeline.Verify(ctx, record.Archival); verifyErr != nil {
		var stageErr *archival.Error
		if !errors.As(verifyErr, &stageErr) {
			stageErr = &archival.Error{Stage: archival.StageVerify, Err: verifyErr}
		}
		ok, err := s.store.CompareAndSwapStatus(settleCtx, recordID, []string{store.StatusArchiving}, store.RecordPatch{Status: store.StatusFailArchive})
		if err != nil || !ok {
			return store.InspectionRecord{}, archivalError(stageErr, store.StatusFailArchive)
		}
		settled = true
		record.Status = store.StatusFailArchive
		s.index(record)
		s.log.Warn("Archive verification failed", "record_id", recordID, "error", verifyErr.Error())
		return store.InspectionRecord{}, archivalError(stageErr, store.StatusFailArchive)
	}

	archivedAt := s.now()
	patch := store.RecordPatch{Status: store.StatusArchived, SetArchivedAt: true, ArchivedAt: &archivedAt}
	ok, err := s.store.CompareAndSwapStatus(settleCtx, recordID, []string{store.StatusArchiving}, patch)
	if err != nil {
		return store.InspectionRecord{}, fmt.Errorf("finalize archive: %w", err)
	}
	if !ok {
		return store.InspectionRecord{}, fmt.Errorf("finalize archive: inspection %s left ARCHIVING concurrently", recordID)
	}
	settled = true
	patch.Apply(&record)
	s.log.Info("Inspection archived", "record_id", recordID, "actor_id", actorID)
	s.index(record)
	return record, nil
}

// Deactivate moves ARCHIVED to DEACTIVATED and stamps deactivatedAt.
func (s *Service) Deactivate(ctx context.Context, recordID, actorID string) (store.InspectionRecord, error) {
	now := s.now()
	return s.transition(ctx, recordID, actorID, "deactivate", []string{store.StatusArchived}, store.RecordPatch{
		Status:           store.StatusDeactivated,
		SetDeactivatedAt: true,
		DeactivatedAt:    &now,
	})
}

// Activate moves DEACTIVATED back to ARCHIVED and clears deactivatedAt.
func (s *Service) Activate(ctx context.Context, recordID, actorID string) (store.InspectionRecord, error) {
	return s.transition(ctx, recordID, actorID, "activate", []string{store.StatusDeactivated}, store.RecordPatch{
		Status:           store.StatusArchived,
		SetDeactivatedAt: true,
		DeactivatedAt:    nil,
	})
}

func (s *Service) transition(ctx context.Context, recordID, actorID, operation string, from []string, patch store.RecordPatch) (store.InspectionRecord, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return store.InspectionRecord{}, validationError("actorId is required", nil)
	}
	ok, err := s.store.CompareAndSwapStatus(ctx, recordID, from, patch)
	if err != nil {
		return store.InspectionRecord{}, err
	}
	if !ok {
		return store.InspectionRecord{}, s.transitionMiss(ctx, recordID, operation, from)
	}
	record, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return store.InspectionRecord{}, err
	}
	s.log.Info("Inspection status changed", "record_id", recordID, "operation", operation, "status", record.Status, "actor_id", actorID)
	s.index(record)
	return record, nil
}

// transitionMiss explains a compare-and-swap that matched no row.
func (s *Service) transitionMiss(ctx context.Context, recordID, operation string, allowed []string) error {
	record, err := s.store.GetRecord(ctx, recordID)
	if store.IsNotFound(err) {
		return notFoundError("inspection", recordID)
	}
	if err != nil {
		return err
	}
	return invalidStateError(operation, record.Status, allowed)
}

// failArchive is the last resort for a record stuck in ARCHIVING. It runs
// detached from any request context.
func (s *Service) failArchive(recordID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	ok, err := s.store.CompareAndSwapStatus(ctx, recordID, []string{store.StatusArchiving}, store.RecordPatch{Status: store.StatusFailArchive})
	switch {
	case err != nil:
		s.log.Error("Could not move inspection to FAIL_ARCHIVE", "record_id", recordID, "reason", reason, "error", err.Error())
	case ok:
		s.log.Warn("Inspection moved to FAIL_ARCHIVE", "record_id", recordID, "reason", reason)
	}
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// ReportPage renders the HTML page the archival renderer prints.
func (s *Service) ReportPage(ctx context.Context, prettyID string) (string, error) {
	record, err := s.GetRecordByPrettyID(ctx, prettyID)
	if err != nil {
		return "", err
	}
	return report.RenderPage(report.NewPageData(record, s.now()))
}

func (s *Service) index(record store.InspectionRecord) {
	if s.search != nil {
		s.search.IndexRecord(record)
	}
}

func fieldValidationError(err error) error {
	var fieldErr *changelog.FieldError
	if errors.As(err, &fieldErr) {
		return validationError(fieldErr.Error(), map[string]any{"path": fieldErr.Path})
	}
	return validationError(err.Error(), nil)
}

func hasStatus(status string, allowed []string) bool {
	for _, candidate := range allowed {
		if candidate == status {
			return true
		}
	}
	return false
}
