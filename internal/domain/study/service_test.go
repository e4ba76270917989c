package study

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dicomvault/dicomvault/internal/dicom"
	"github.com/dicomvault/dicomvault/internal/dicom/dicomtest"
	"github.com/dicomvault/dicomvault/internal/domain/upload"
	"github.com/dicomvault/dicomvault/internal/platform/blobstore"
	"github.com/dicomvault/dicomvault/internal/platform/phi"
	"github.com/dicomvault/dicomvault/internal/platform/telemetry"
	"github.com/dicomvault/dicomvault/internal/platform/websocket"
)

// memStudyRepo is an in-memory StudyRepository mirroring the PostgreSQL
// contract, including the duplicate study UID signal.
type memStudyRepo struct {
	mu      sync.Mutex
	studies map[uuid.UUID]*Study
}

func newMemStudyRepo() *memStudyRepo {
	return &memStudyRepo{studies: make(map[uuid.UUID]*Study)}
}

func cloneStudy(st *Study) *Study {
	out := *st
	out.Modalities = append([]string(nil), st.Modalities...)
	return &out
}

func (r *memStudyRepo) Create(_ context.Context, st *Study) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.studies {
		if existing.StudyUID == st.StudyUID {
			return ErrDuplicateStudy
		}
	}
	st.ID = uuid.New()
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	r.studies[st.ID] = cloneStudy(st)
	return nil
}

func (r *memStudyRepo) GetByID(_ context.Context, id uuid.UUID) (*Study, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.studies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneStudy(st), nil
}

func (r *memStudyRepo) GetByStudyUID(_ context.Context, uid string) (*Study, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.studies {
		if st.StudyUID == uid {
			return cloneStudy(st), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memStudyRepo) Update(_ context.Context, st *Study) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.studies[st.ID]; !ok {
		return ErrNotFound
	}
	st.UpdatedAt = time.Now().UTC()
	r.studies[st.ID] = cloneStudy(st)
	return nil
}

func (r *memStudyRepo) Search(_ context.Context, f Filter) ([]*Study, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*Study
	for _, st := range r.studies {
		if f.Modality != "" && !containsString(st.Modalities, f.Modality) {
			continue
		}
		if f.PseudoPatientID != "" && st.PseudoPatientID != f.PseudoPatientID {
			continue
		}
		if !f.DateFrom.IsZero() && (st.StudyDate == nil || st.StudyDate.Before(f.DateFrom)) {
			continue
		}
		if !f.DateTo.IsZero() && (st.StudyDate == nil || st.StudyDate.After(f.DateTo)) {
			continue
		}
		all = append(all, cloneStudy(st))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (r *memStudyRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.studies[id]; !ok {
		return ErrNotFound
	}
	delete(r.studies, id)
	return nil
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// memInstanceRepo is an in-memory InstanceRepository with the unique SOP
// UID constraint and stable ingest ordering.
type memInstanceRepo struct {
	mu    sync.Mutex
	seq   int
	insts map[uuid.UUID]*Instance
	order map[uuid.UUID]int
}

func newMemInstanceRepo() *memInstanceRepo {
	return &memInstanceRepo{
		insts: make(map[uuid.UUID]*Instance),
		order: make(map[uuid.UUID]int),
	}
}

func cloneInstance(inst *Instance) *Instance {
	out := *inst
	return &out
}

func (r *memInstanceRepo) Create(_ context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.insts {
		if existing.SOPUID == inst.SOPUID {
			return ErrDuplicateInstance
		}
	}
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	inst.CreatedAt = time.Now().UTC()
	r.seq++
	r.insts[inst.ID] = cloneInstance(inst)
	r.order[inst.ID] = r.seq
	return nil
}

func (r *memInstanceRepo) GetByID(_ context.Context, id uuid.UUID) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.insts[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return cloneInstance(inst), nil
}

func (r *memInstanceRepo) GetBySOPUID(_ context.Context, uid string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.insts {
		if inst.SOPUID == uid {
			return cloneInstance(inst), nil
		}
	}
	return nil, ErrInstanceNotFound
}

func (r *memInstanceRepo) ListByStudy(_ context.Context, studyID uuid.UUID) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, inst := range r.insts {
		if inst.StudyID == studyID {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.order[out[i].ID] < r.order[out[j].ID] })
	return out, nil
}

func (r *memInstanceRepo) DeleteByStudy(_ context.Context, studyID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inst := range r.insts {
		if inst.StudyID == studyID {
			delete(r.insts, id)
			delete(r.order, id)
		}
	}
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) byType(eventType string) []websocket.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []websocket.Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	svc     *Service
	studies *memStudyRepo
	insts   *memInstanceRepo
	blobs   *blobstore.MemStore
	enc     *phi.Encryptor
	pub     *capturePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	enc, err := phi.NewEncryptor(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	env := &testEnv{
		studies: newMemStudyRepo(),
		insts:   newMemInstanceRepo(),
		blobs:   blobstore.NewMemStore(),
		enc:     enc,
		pub:     &capturePublisher{},
	}
	env.svc = NewService(nil, env.studies, env.insts, env.blobs, phi.NewMemPseudonymizer(), enc)
	env.svc.SetPublisher(env.pub)
	return env
}

// fixture builds a minimal DICOM object for the same default patient with
// the given identifiers. Empty values leave the attribute out.
func fixture(studyUID, sopUID, modality, studyDate string) []byte {
	b := dicomtest.NewBuilder().
		Add(dicom.TagSOPClassUID, "UI", dicomtest.DefaultSOPClassUID).
		Add(dicom.TagPatientName, "PN", dicomtest.DefaultPatientName).
		Add(dicom.TagPatientID, "LO", dicomtest.DefaultPatientID).
		Add(dicom.TagPatientBirthDate, "DA", dicomtest.DefaultPatientBirth)
	if sopUID != "" {
		b.Add(dicom.TagSOPInstanceUID, "UI", sopUID)
	}
	if studyUID != "" {
		b.Add(dicom.TagStudyInstanceUID, "UI", studyUID)
	}
	if modality != "" {
		b.Add(dicom.TagModality, "CS", modality)
	}
	if studyDate != "" {
		b.Add(dicom.TagStudyDate, "DA", studyDate)
	}
	return b.Build()
}

func TestServiceIngest_CreatesStudyAndInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := dicomtest.Default()

	res, err := env.svc.Ingest(ctx, data)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.StudyCreated {
		t.Error("expected StudyCreated")
	}
	if res.DeidActions == 0 {
		t.Error("expected de-identification actions")
	}

	st, err := env.svc.GetStudy(ctx, res.StudyID)
	if err != nil {
		t.Fatalf("GetStudy: %v", err)
	}
	if st.StudyUID != dicomtest.DefaultStudyUID {
		t.Errorf("StudyUID = %q, want %q", st.StudyUID, dicomtest.DefaultStudyUID)
	}
	if st.PseudoPatientID == "" || st.PseudoPatientID == dicomtest.DefaultPatientID {
		t.Errorf("PseudoPatientID = %q, want a pseudonym", st.PseudoPatientID)
	}
	if st.PatientSex == nil || *st.PatientSex != dicomtest.DefaultPatientSex {
		t.Errorf("PatientSex = %v, want %q", st.PatientSex, dicomtest.DefaultPatientSex)
	}
	if st.PatientBirthYear == nil || *st.PatientBirthYear != 1984 {
		t.Errorf("PatientBirthYear = %v, want 1984", st.PatientBirthYear)
	}
	if st.StudyDate == nil || st.StudyDate.Format("20060102") != dicomtest.DefaultStudyDate {
		t.Errorf("StudyDate = %v, want %s", st.StudyDate, dicomtest.DefaultStudyDate)
	}
	if len(st.Modalities) != 1 || st.Modalities[0] != dicomtest.DefaultModality {
		t.Errorf("Modalities = %v, want [%s]", st.Modalities, dicomtest.DefaultModality)
	}
	if st.NumInstances != 1 {
		t.Errorf("NumInstances = %d, want 1", st.NumInstances)
	}

	// Direct identifiers are stored encrypted only.
	if st.PatientIDEnc == nil || *st.PatientIDEnc == dicomtest.DefaultPatientID {
		t.Fatalf("PatientIDEnc = %v, want ciphertext", st.PatientIDEnc)
	}
	plain, err := env.enc.Decrypt(*st.PatientIDEnc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != dicomtest.DefaultPatientID {
		t.Errorf("decrypted patient id = %q, want %q", plain, dicomtest.DefaultPatientID)
	}

	inst, err := env.svc.GetInstance(ctx, res.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.StudyID != st.ID {
		t.Errorf("instance StudyID = %s, want %s", inst.StudyID, st.ID)
	}
	if inst.SOPUID != dicomtest.DefaultSOPInstanceUID {
		t.Errorf("SOPUID = %q, want %q", inst.SOPUID, dicomtest.DefaultSOPInstanceUID)
	}
	if inst.Rows != dicomtest.DefaultRows || inst.Columns != dicomtest.DefaultColumns {
		t.Errorf("geometry = %dx%d, want %dx%d", inst.Rows, inst.Columns, dicomtest.DefaultRows, dicomtest.DefaultColumns)
	}
	if inst.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", inst.Size, len(data))
	}
	if inst.Metadata.PatientID != "" || inst.Metadata.PatientName != "" {
		t.Errorf("indexed metadata keeps identifiers: %+v", inst.Metadata)
	}
	if inst.Metadata.StudyInstanceUID != dicomtest.DefaultStudyUID {
		t.Errorf("metadata StudyInstanceUID = %q, want kept", inst.Metadata.StudyInstanceUID)
	}

	events := env.pub.byType(websocket.EventStudyCreated)
	if len(events) != 1 {
		t.Fatalf("study.created events = %d, want 1", len(events))
	}
	if events[0].ResourceID != st.ID.String() {
		t.Errorf("event ResourceID = %q, want %q", events[0].ResourceID, st.ID)
	}
}

func TestServiceIngest_DeidentifiesStoredCopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := dicomtest.Default()

	res, err := env.svc.Ingest(ctx, data)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	inst, err := env.svc.GetInstance(ctx, res.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}

	orig, _, err := env.blobs.Get(ctx, inst.OriginalBlobID)
	if err != nil {
		t.Fatalf("Get original blob: %v", err)
	}
	if !bytes.Equal(orig, data) {
		t.Error("original blob differs from upload")
	}

	deid, blob, err := env.blobs.Get(ctx, inst.DeidBlobID)
	if err != nil {
		t.Fatalf("Get deid blob: %v", err)
	}
	if blob.ContentType != "application/dicom" {
		t.Errorf("deid content type = %q", blob.ContentType)
	}
	if len(deid) != len(data) {
		t.Errorf("deid length = %d, want %d", len(deid), len(data))
	}
	if bytes.Equal(deid, data) {
		t.Error("deid blob equals original")
	}

	ds, err := dicom.Parse(deid)
	if err != nil {
		t.Fatalf("Parse deid: %v", err)
	}
	meta := dicom.Extract(ds)
	if meta.PatientID == dicomtest.DefaultPatientID {
		t.Error("deid copy keeps patient id")
	}
	if meta.PatientName == dicomtest.DefaultPatientName {
		t.Error("deid copy keeps patient name")
	}
	if meta.SOPInstanceUID != dicomtest.DefaultSOPInstanceUID {
		t.Errorf("deid copy SOP UID = %q, want unchanged", meta.SOPInstanceUID)
	}
}

func TestServiceIngest_MergesExistingStudy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Ingest(ctx, dicomtest.Default())
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := env.svc.Ingest(ctx, fixture(dicomtest.DefaultStudyUID, "1.2.3.4.5", "MR", ""))
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}

	if second.StudyCreated {
		t.Error("second ingest reported a new study")
	}
	if second.StudyID != first.StudyID {
		t.Errorf("StudyID = %s, want %s", second.StudyID, first.StudyID)
	}
	if second.InstanceID == first.InstanceID {
		t.Error("expected a distinct instance")
	}

	st, err := env.svc.GetStudy(ctx, first.StudyID)
	if err != nil {
		t.Fatalf("GetStudy: %v", err)
	}
	if st.NumInstances != 2 {
		t.Errorf("NumInstances = %d, want 2", st.NumInstances)
	}
	if !containsString(st.Modalities, "CT") || !containsString(st.Modalities, "MR") {
		t.Errorf("Modalities = %v, want CT and MR", st.Modalities)
	}

	if events := env.pub.byType(websocket.EventStudyCreated); len(events) != 1 {
		t.Errorf("study.created events = %d, want 1", len(events))
	}
}

func TestServiceIngest_PseudonymStableAcrossStudies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Ingest(ctx, fixture("1.2.111", "1.2.111.1", "CT", ""))
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := env.svc.Ingest(ctx, fixture("1.2.222", "1.2.222.1", "CT", ""))
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if first.StudyID == second.StudyID {
		t.Fatal("expected two studies")
	}

	a, _ := env.svc.GetStudy(ctx, first.StudyID)
	b, _ := env.svc.GetStudy(ctx, second.StudyID)
	if a.PseudoPatientID != b.PseudoPatientID {
		t.Errorf("pseudonyms differ: %q vs %q", a.PseudoPatientID, b.PseudoPatientID)
	}
}

func TestServiceIngest_DuplicateInstanceIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := dicomtest.Default()

	first, err := env.svc.Ingest(ctx, data)
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := env.svc.Ingest(ctx, data)
	if err != nil {
		t.Fatalf("repeat Ingest: %v", err)
	}

	if second.InstanceID != first.InstanceID || second.StudyID != first.StudyID {
		t.Errorf("repeat ingest returned %+v, want ids of first", second)
	}
	if second.StudyCreated {
		t.Error("repeat ingest reported a new study")
	}

	st, err := env.svc.GetStudy(ctx, first.StudyID)
	if err != nil {
		t.Fatalf("GetStudy: %v", err)
	}
	if st.NumInstances != 1 {
		t.Errorf("NumInstances = %d, want 1", st.NumInstances)
	}

	// The first copy stays readable.
	inst, err := env.svc.GetInstance(ctx, first.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if _, _, err := env.blobs.Get(ctx, inst.OriginalBlobID); err != nil {
		t.Errorf("original blob gone after repeat ingest: %v", err)
	}
}

func TestServiceIngest_RejectsNonDICOM(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, []byte("definitely not an imaging object"))
	if !errors.Is(err, dicom.ErrNotDICOM) {
		t.Fatalf("err = %v, want ErrNotDICOM", err)
	}

	if _, total, _ := env.svc.SearchStudies(ctx, Filter{}); total != 0 {
		t.Errorf("studies stored = %d, want 0", total)
	}
}

func TestServiceIngest_MissingStudyUID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, fixture("", "1.2.3.4", "CT", ""))
	if !errors.Is(err, ErrMissingUID) {
		t.Fatalf("err = %v, want ErrMissingUID", err)
	}
}

func TestServiceProcess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("stores the assembled upload", func(t *testing.T) {
		res, err := env.svc.Process(ctx, dicomtest.Default(), &upload.Session{})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if res.InstanceID == uuid.Nil || res.StudyID == uuid.Nil {
			t.Errorf("result = %+v, want ids", res)
		}
	})

	t.Run("translates missing uid into a rejection", func(t *testing.T) {
		_, err := env.svc.Process(ctx, fixture("", "1.2.3.9", "CT", ""), &upload.Session{})
		if !errors.Is(err, upload.ErrRejected) {
			t.Fatalf("err = %v, want ErrRejected", err)
		}
	})
}

func TestServiceSearchStudies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Ingest(ctx, fixture("1.2.100", "1.2.100.1", "CT", "20240315")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := env.svc.Ingest(ctx, fixture("1.2.200", "1.2.200.1", "MR", "20231001")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"no filter", Filter{}, 2},
		{"by modality", Filter{Modality: "MR"}, 1},
		{"modality without matches", Filter{Modality: "US"}, 0},
		{"by pseudo patient", Filter{PseudoPatientID: "ANON-000001"}, 2},
		{"from date", Filter{DateFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, 1},
		{"to date", Filter{DateTo: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, total, err := env.svc.SearchStudies(ctx, tt.filter)
			if err != nil {
				t.Fatalf("SearchStudies: %v", err)
			}
			if total != tt.want {
				t.Errorf("total = %d, want %d", total, tt.want)
			}
		})
	}
}

func TestServiceInstanceContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	data := dicomtest.Default()

	res, err := env.svc.Ingest(ctx, data)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	t.Run("default variant is deidentified", func(t *testing.T) {
		body, inst, blob, err := env.svc.InstanceContent(ctx, res.InstanceID, "")
		if err != nil {
			t.Fatalf("InstanceContent: %v", err)
		}
		if inst.ID != res.InstanceID {
			t.Errorf("instance = %s, want %s", inst.ID, res.InstanceID)
		}
		if blob.Kind != blobstore.KindDeid {
			t.Errorf("blob kind = %q, want %q", blob.Kind, blobstore.KindDeid)
		}
		if bytes.Equal(body, data) {
			t.Error("default variant returned the original body")
		}
	})

	t.Run("original variant returns the upload", func(t *testing.T) {
		body, _, blob, err := env.svc.InstanceContent(ctx, res.InstanceID, VariantOriginal)
		if err != nil {
			t.Fatalf("InstanceContent: %v", err)
		}
		if blob.Kind != blobstore.KindOriginal {
			t.Errorf("blob kind = %q, want %q", blob.Kind, blobstore.KindOriginal)
		}
		if !bytes.Equal(body, data) {
			t.Error("original variant differs from upload")
		}
	})

	t.Run("unknown variant", func(t *testing.T) {
		_, _, _, err := env.svc.InstanceContent(ctx, res.InstanceID, "thumbnail")
		if !errors.Is(err, ErrUnknownVariant) {
			t.Fatalf("err = %v, want ErrUnknownVariant", err)
		}
	})

	t.Run("missing instance", func(t *testing.T) {
		_, _, _, err := env.svc.InstanceContent(ctx, uuid.New(), "")
		if !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("err = %v, want ErrInstanceNotFound", err)
		}
	})
}

func TestServiceDeleteStudy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Ingest(ctx, dicomtest.Default())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := env.svc.Ingest(ctx, fixture(dicomtest.DefaultStudyUID, "1.2.3.4.6", "CT", "")); err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	inst, err := env.svc.GetInstance(ctx, res.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}

	if err := env.svc.DeleteStudy(ctx, res.StudyID); err != nil {
		t.Fatalf("DeleteStudy: %v", err)
	}

	if _, err := env.svc.GetStudy(ctx, res.StudyID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStudy err = %v, want ErrNotFound", err)
	}
	if _, err := env.svc.GetInstance(ctx, res.InstanceID); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("GetInstance err = %v, want ErrInstanceNotFound", err)
	}
	if _, _, err := env.blobs.Get(ctx, inst.OriginalBlobID); err == nil {
		t.Error("original blob survived study deletion")
	}
	if _, _, err := env.blobs.Get(ctx, inst.DeidBlobID); err == nil {
		t.Error("deid blob survived study deletion")
	}
}

func TestServiceDeleteStudy_Missing(t *testing.T) {
	env := newTestEnv(t)
	if err := env.svc.DeleteStudy(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestServiceListInstances_MissingStudy(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.ListInstances(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestServiceIngestMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{ServiceName: "study-test"})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	env.svc.SetMetrics(tp.Pipeline())

	if _, err := env.svc.Ingest(ctx, dicomtest.Default()); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := env.svc.Ingest(ctx, []byte("garbage")); !errors.Is(err, dicom.ErrNotDICOM) {
		t.Fatalf("garbage err = %v", err)
	}

	if got := tp.GetPipelineCounter("instances.processed"); got != 1 {
		t.Errorf("instances.processed = %d, want 1", got)
	}
	if got := tp.GetPipelineCounter("deidentifications.applied"); got != 1 {
		t.Errorf("deidentifications.applied = %d, want 1", got)
	}
	if got := tp.GetPipelineCounter("validation.failures"); got != 1 {
		t.Errorf("validation.failures = %d, want 1", got)
	}
}

func TestParseDICOMDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"20240315", "2024-03-15"},
		{" 20240315 ", "2024-03-15"},
		{"20241301", ""},
		{"2024", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got := parseDICOMDate(tt.in)
		if tt.want == "" {
			if got != nil {
				t.Errorf("parseDICOMDate(%q) = %v, want nil", tt.in, got)
			}
			continue
		}
		if got == nil || got.Format("2006-01-02") != tt.want {
			t.Errorf("parseDICOMDate(%q) = %v, want %s", tt.in, got, tt.want)
		}
	}
}

func TestBirthYear(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"19840522", 1984},
		{"1984", 1984},
		{" 19700101", 1970},
		{"0000", 0},
		{"abcd0101", 0},
		{"29991231", 0},
		{"84", 0},
		{"", 0},
	}
	for _, tt := range tests {
		got := birthYear(tt.in)
		if tt.want == 0 {
			if got != nil {
				t.Errorf("birthYear(%q) = %v, want nil", tt.in, got)
			}
			continue
		}
		if got == nil || *got != tt.want {
			t.Errorf("birthYear(%q) = %v, want %d", tt.in, got, tt.want)
		}
	}
}
