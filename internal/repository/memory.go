package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/retina-intake/internal/model"
)

// MemoryStore keeps every record in maps guarded by one RWMutex. Reads take
// the shared lock so job polling never blocks behind other readers.
type MemoryStore struct {
	mu sync.RWMutex

	nextID     int64
	archives   map[int64]*model.Archive
	byHash     map[string]int64
	encounters map[int64]*model.Encounter
	files      map[int64]*model.File
	dr         []model.DRReport
	gl         []model.GlaucomaReport
	jobs       map[string]*model.Job
	jobOrder   []string
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		archives:   make(map[int64]*model.Archive),
		byHash:     make(map[string]int64),
		encounters: make(map[int64]*model.Encounter),
		files:      make(map[int64]*model.File),
		jobs:       make(map[string]*model.Job),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

// FindArchiveByHash returns a copy of the archive with the hash.
func (m *MemoryStore) FindArchiveByHash(_ context.Context, hash string) (*model.Archive, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	a := *m.archives[id]
	return &a, nil
}

// CreateIngest stores the archive, encounter and files atomically. The hash
// check happens under the write lock, so it plays the role of the unique
// constraint.
func (m *MemoryStore) CreateIngest(_ context.Context, rec *model.IngestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byHash[rec.Archive.ContentHash]; dup {
		return ErrDuplicateHash
	}
	now := time.Now().UTC()

	a := &rec.Archive
	a.ID = m.id()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.State == "" {
		a.State = model.ArchiveUploaded
	}
	e := &rec.Encounter
	e.ID = m.id()
	e.ArchiveID = a.ID
	e.CreatedAt = now
	for i := range e.Files {
		f := &e.Files[i]
		f.ID = m.id()
		f.EncounterID = e.ID
		f.CreatedAt = now
		if f.UUID == "" {
			f.UUID = uuid.NewString()
		}
		fc := *f
		m.files[f.ID] = &fc
	}

	ac := *a
	m.archives[a.ID] = &ac
	m.byHash[a.ContentHash] = a.ID
	ec := *e
	ec.Files = nil
	m.encounters[e.ID] = &ec
	return nil
}

// SetArchiveState updates an archive's state.
func (m *MemoryStore) SetArchiveState(_ context.Context, archiveID int64, state model.ArchiveState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.archives[archiveID]
	if !ok {
		return ErrNotFound
	}
	a.State = state
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// ListPendingPDFs mirrors the Postgres ordering by file id.
func (m *MemoryStore) ListPendingPDFs(_ context.Context, only []string) ([]model.PendingPDF, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var filter map[string]bool
	if len(only) > 0 {
		filter = make(map[string]bool, len(only))
		for _, name := range only {
			filter[name] = true
		}
	}
	var out []model.PendingPDF
	for _, f := range m.files {
		if f.Type != model.FilePDF || f.OCRProcessed {
			continue
		}
		if filter != nil && !filter[f.Filename] {
			continue
		}
		out = append(out, model.PendingPDF{File: *f, Encounter: *m.encounters[f.EncounterID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File.ID < out[j].File.ID })
	return out, nil
}

// HasReports reports whether the encounter already has a DR or glaucoma report.
func (m *MemoryStore) HasReports(_ context.Context, encounterID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.dr {
		if r.EncounterID == encounterID {
			return true, nil
		}
	}
	for _, r := range m.gl {
		if r.EncounterID == encounterID {
			return true, nil
		}
	}
	return false, nil
}

// MarkOCRProcessed flips the file's OCR flag.
func (m *MemoryStore) MarkOCRProcessed(_ context.Context, fileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return ErrNotFound
	}
	f.OCRProcessed = true
	return nil
}

// SaveReports stores the reports and flips the file's OCR flag together.
func (m *MemoryStore) SaveReports(_ context.Context, fileID int64, dr *model.DRReport, gl *model.GlaucomaReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	if dr != nil {
		dr.ID = m.id()
		dr.CreatedAt = now
		if dr.UUID == "" {
			dr.UUID = uuid.NewString()
		}
		m.dr = append(m.dr, *dr)
	}
	if gl != nil {
		gl.ID = m.id()
		gl.CreatedAt = now
		if gl.UUID == "" {
			gl.UUID = uuid.NewString()
		}
		m.gl = append(m.gl, *gl)
	}
	f.OCRProcessed = true
	return nil
}

// Encounters returns copies of every encounter with its files attached.
func (m *MemoryStore) Encounters() []model.Encounter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Encounter, 0, len(m.encounters))
	for _, e := range m.encounters {
		ec := *e
		for _, f := range m.files {
			if f.EncounterID == e.ID {
				ec.Files = append(ec.Files, *f)
			}
		}
		sort.Slice(ec.Files, func(i, j int) bool { return ec.Files[i].ID < ec.Files[j].ID })
		out = append(out, ec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reports returns copies of all stored reports.
func (m *MemoryStore) Reports() ([]model.DRReport, []model.GlaucomaReport) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.DRReport(nil), m.dr...), append([]model.GlaucomaReport(nil), m.gl...)
}

// Archive returns a copy of the archive row.
func (m *MemoryStore) Archive(id int64) (*model.Archive, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.archives[id]
	if !ok {
		return nil, ErrNotFound
	}
	ac := *a
	return &ac, nil
}

// CreateJob records a queued job with one item per filename.
func (m *MemoryStore) CreateJob(_ context.Context, filenames, rejected []string, up model.Uploader) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	j := &model.Job{
		ID:              m.id(),
		Token:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		Status:          model.StatusQueued,
		RejectedSummary: strPtr(strings.Join(rejected, "; ")),
		Uploader:        up,
		Items:           make([]model.JobItem, 0, len(filenames)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, name := range filenames {
		j.Items = append(j.Items, model.JobItem{ID: m.id(), JobID: j.ID, Filename: name, State: model.StatusQueued})
	}
	m.jobs[j.Token] = j
	m.jobOrder = append(m.jobOrder, j.Token)
	return j.Token, nil
}

// SetJobStatus updates the overall job status.
func (m *MemoryStore) SetJobStatus(_ context.Context, token string, status model.Status, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[token]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	j.Error = errMsg
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SetItemState transitions every item of the job with the filename.
func (m *MemoryStore) SetItemState(_ context.Context, token, filename string, state model.Status, detail *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[token]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	found := false
	for i := range j.Items {
		it := &j.Items[i]
		if it.Filename != filename {
			continue
		}
		found = true
		it.State = state
		it.Detail = detail
		switch state {
		case model.StatusProcessing:
			it.StartedAt = &now
		case model.StatusCompleted, model.StatusError:
			it.FinishedAt = &now
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// AnyItemError reports whether any item of the job ended in error.
func (m *MemoryStore) AnyItemError(_ context.Context, token string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[token]
	if !ok {
		return false, ErrNotFound
	}
	for _, it := range j.Items {
		if it.State == model.StatusError {
			return true, nil
		}
	}
	return false, nil
}

// GetJob returns a deep copy so callers cannot mutate internal state.
func (m *MemoryStore) GetJob(_ context.Context, token string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[token]
	if !ok {
		return nil, ErrNotFound
	}
	jc := *j
	jc.Items = append([]model.JobItem(nil), j.Items...)
	return &jc, nil
}

// ListJobs returns the newest jobs first.
func (m *MemoryStore) ListJobs(_ context.Context, limit int) ([]model.JobSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.JobSummary
	for i := len(m.jobOrder) - 1; i >= 0 && len(out) < limit; i-- {
		j := m.jobs[m.jobOrder[i]]
		js := model.JobSummary{Job: *j}
		js.Items = nil
		for _, it := range j.Items {
			if it.State == model.StatusError {
				js.Rejected++
			}
		}
		out = append(out, js)
	}
	return out, nil
}
