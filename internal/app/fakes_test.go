package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"inspection/api/internal/archival"
	"inspection/api/internal/changelog"
	"inspection/api/internal/config"
	"inspection/api/internal/logger"
	"inspection/api/internal/search"
	"inspection/api/internal/sequence"
	"inspection/api/internal/store"
)

// memStore is an in-memory dataStore with the same compare-and-swap and
// transaction semantics as the Postgres store.
type memStore struct {
	mu       sync.Mutex
	records  map[string]store.InspectionRecord
	changes  []store.ChangeLogEntry
	nextID   int64
	counters map[string]int64

	pingErr error
	// txErrs are returned, in order, by successive InSerializableTx calls
	// after fn has run. The transaction is then discarded.
	txErrs  []error
	txCalls int
	// casFn may fail a compare-and-swap before it is applied.
	casFn func(from []string, patch store.RecordPatch) error
}

func newMemStore(records ...store.InspectionRecord) *memStore {
	ms := &memStore{
		records:  map[string]store.InspectionRecord{},
		counters: map[string]int64{},
	}
	for _, record := range records {
		ms.records[record.ID] = cloneRecord(record)
	}
	return ms
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) GetRecord(_ context.Context, recordID string) (store.InspectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[recordID]
	if !ok {
		return store.InspectionRecord{}, sql.ErrNoRows
	}
	return cloneRecord(record), nil
}

func (m *memStore) GetRecordByPrettyID(_ context.Context, prettyID string) (store.InspectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.records {
		if record.PrettyID == prettyID {
			return cloneRecord(record), nil
		}
	}
	return store.InspectionRecord{}, sql.ErrNoRows
}

func (m *memStore) CompareAndSwapStatus(_ context.Context, recordID string, from []string, patch store.RecordPatch) (bool, error) {
	if m.casFn != nil {
		if err := m.casFn(from, patch); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[recordID]
	if !ok || !hasStatus(record.Status, from) {
		return false, nil
	}
	patch.Apply(&record)
	record.UpdatedAt = record.UpdatedAt.Add(time.Second)
	m.records[recordID] = cloneRecord(record)
	return true, nil
}

func (m *memStore) AppendChangeLog(_ context.Context, entries []store.ChangeLogEntry) ([]store.ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make([]store.ChangeLogEntry, 0, len(entries))
	for _, entry := range entries {
		m.nextID++
		entry.ID = m.nextID
		m.changes = append(m.changes, entry)
		saved = append(saved, entry)
	}
	return saved, nil
}

func (m *memStore) ListChangeLog(_ context.Context, recordID string) ([]store.ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := []store.ChangeLogEntry{}
	for _, entry := range m.changes {
		if entry.RecordID == recordID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (m *memStore) InSerializableTx(ctx context.Context, fn func(store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{store: m, counters: map[string]int64{}}
	if err := fn(tx); err != nil {
		return err
	}
	call := m.txCalls
	m.txCalls++
	if call < len(m.txErrs) && m.txErrs[call] != nil {
		return m.txErrs[call]
	}
	for key, value := range tx.counters {
		m.counters[key] = value
	}
	for _, record := range tx.inserts {
		m.records[record.ID] = cloneRecord(record)
	}
	return nil
}

func (m *memStore) status(recordID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[recordID].Status
}

func (m *memStore) record(recordID string) store.InspectionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRecord(m.records[recordID])
}

// memTx stages writes until the enclosing transaction commits.
type memTx struct {
	store    *memStore
	counters map[string]int64
	inserts  []store.InspectionRecord
}

func (t *memTx) IncrementSequence(_ context.Context, branchCode, datePrefix string) (int64, error) {
	key := branchCode + "|" + datePrefix
	current, ok := t.counters[key]
	if !ok {
		current = t.store.counters[key]
	}
	current++
	t.counters[key] = current
	return current, nil
}

func (t *memTx) InsertRecord(_ context.Context, record store.InspectionRecord) error {
	t.inserts = append(t.inserts, record)
	return nil
}

func cloneRecord(record store.InspectionRecord) store.InspectionRecord {
	doc, _ := changelog.CloneValue(record.Content.Document()).(map[string]any)
	if content, err := store.ContentFromDocument(doc); err == nil {
		record.Content = content
	}
	return record
}

type fakeArchiver struct {
	runFn    func(context.Context, store.InspectionRecord) archival.Result
	verifyFn func(context.Context, store.Archival) error
	runs     []store.InspectionRecord
}

func (f *fakeArchiver) Run(ctx context.Context, record store.InspectionRecord) archival.Result {
	f.runs = append(f.runs, record)
	if f.runFn != nil {
		return f.runFn(ctx, record)
	}
	return archival.Result{
		Success: true,
		Archival: store.Archival{
			ReportURL:   "http://artifacts.test/reports/" + record.PrettyID + ".pdf",
			ReportHash:  "3f1c9a",
			AnchorTxRef: "tx-1",
			AssetRef:    "asset-1",
		},
	}
}

func (f *fakeArchiver) Verify(ctx context.Context, archived store.Archival) error {
	if f.verifyFn != nil {
		return f.verifyFn(ctx, archived)
	}
	return nil
}

func failingRun(stage archival.Stage, err error) func(context.Context, store.InspectionRecord) archival.Result {
	return func(context.Context, store.InspectionRecord) archival.Result {
		archivalErr := &archival.Error{Stage: stage, Err: err}
		return archival.Result{Reason: archivalErr.Error(), Err: archivalErr}
	}
}

type fakeSearch struct {
	mu      sync.Mutex
	queries []search.Query
	indexed []store.InspectionRecord
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{{ID: "insp_1", PrettyID: "JKT-05032024-001"}}, Total: 1, Query: q.Text}
}

func (f *fakeSearch) IndexRecord(record store.InspectionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

var wib = time.FixedZone("WIB", 7*60*60)

func newTestService(ms *memStore, pipeline *fakeArchiver) *Service {
	if pipeline == nil {
		pipeline = &fakeArchiver{}
	}
	clock := time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	return &Service{
		cfg:       config.Config{ApproveTimeout: time.Minute},
		store:     ms,
		pipeline:  pipeline,
		sequences: sequence.NewAllocator(wib),
		search:    &fakeSearch{},
		log:       logger.Nop(),
		now: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
		maxDepth: changelog.DefaultMaxDepth,
	}
}

func sampleRecord(id, status string) store.InspectionRecord {
	created := time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC)
	return store.InspectionRecord{
		ID:          id,
		PrettyID:    "JKT-05032024-001",
		BranchCode:  "JKT",
		Status:      status,
		InspectorID: "inspector-1",
		Content: store.Content{
			PlateNumber:    "B 1234 XYZ",
			InspectionDate: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
			OverallRating:  "GOOD",
			Sections: map[string]map[string]any{
				"vehicleData": {
					"tipeKendaraan": "Avanza",
					"tahun":         float64(2019),
					"mesin":         map[string]any{"kapasitas": "1300cc"},
				},
				"equipmentChecklist": {"dongkrak": true},
			},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}
