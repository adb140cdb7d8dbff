package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartaudit/chartaudit/internal/domain/comparison"
	"github.com/chartaudit/chartaudit/internal/domain/crosswalk"
	"github.com/chartaudit/chartaudit/internal/domain/encounter"
	"github.com/chartaudit/chartaudit/internal/domain/report"
	"github.com/chartaudit/chartaudit/internal/platform/aireview"
	"github.com/chartaudit/chartaudit/internal/platform/nlp"
	"github.com/chartaudit/chartaudit/internal/platform/phi"
)

// ---------------------------------------------------------------------------
// In-memory repositories
// ---------------------------------------------------------------------------

type encRepo struct {
	encounters map[uuid.UUID]*encounter.Encounter
	mappings   map[uuid.UUID]*encounter.PhiMapping
	extracted  map[uuid.UUID][]encounter.ExtractedCode
	billed     map[uuid.UUID][]encounter.BilledCode
}

func newEncRepo() *encRepo {
	return &encRepo{
		encounters: make(map[uuid.UUID]*encounter.Encounter),
		mappings:   make(map[uuid.UUID]*encounter.PhiMapping),
		extracted:  make(map[uuid.UUID][]encounter.ExtractedCode),
		billed:     make(map[uuid.UUID][]encounter.BilledCode),
	}
}

func (m *encRepo) Create(_ context.Context, e *encounter.Encounter) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	m.encounters[e.ID] = &cp
	return nil
}

func (m *encRepo) GetByID(_ context.Context, id uuid.UUID) (*encounter.Encounter, error) {
	e, ok := m.encounters[id]
	if !ok {
		return nil, encounter.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *encRepo) Update(_ context.Context, e *encounter.Encounter) error {
	if _, ok := m.encounters[e.ID]; !ok {
		return encounter.ErrNotFound
	}
	cp := *e
	m.encounters[e.ID] = &cp
	return nil
}

func (m *encRepo) ListByOwner(_ context.Context, ownerID uuid.UUID, _, _ int) ([]*encounter.Encounter, int, error) {
	return nil, 0, nil
}

func (m *encRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.encounters, id)
	return nil
}

func (m *encRepo) SavePhiMapping(_ context.Context, pm *encounter.PhiMapping) error {
	cp := *pm
	m.mappings[pm.EncounterID] = &cp
	return nil
}

func (m *encRepo) GetPhiMapping(_ context.Context, id uuid.UUID) (*encounter.PhiMapping, error) {
	pm, ok := m.mappings[id]
	if !ok {
		return nil, encounter.ErrNotFound
	}
	cp := *pm
	return &cp, nil
}

func (m *encRepo) SaveExtractedCodes(_ context.Context, id uuid.UUID, codes []encounter.ExtractedCode) error {
	m.extracted[id] = append([]encounter.ExtractedCode(nil), codes...)
	return nil
}

func (m *encRepo) ListExtractedCodes(_ context.Context, id uuid.UUID) ([]encounter.ExtractedCode, error) {
	return append([]encounter.ExtractedCode(nil), m.extracted[id]...), nil
}

func (m *encRepo) SaveBilledCodes(_ context.Context, id uuid.UUID, codes []encounter.BilledCode) error {
	m.billed[id] = append([]encounter.BilledCode(nil), codes...)
	return nil
}

func (m *encRepo) ListBilledCodes(_ context.Context, id uuid.UUID) ([]encounter.BilledCode, error) {
	return append([]encounter.BilledCode(nil), m.billed[id]...), nil
}

type repRepo struct {
	reports map[uuid.UUID]*report.Report
}

func newRepRepo() *repRepo {
	return &repRepo{reports: make(map[uuid.UUID]*report.Report)}
}

func (m *repRepo) Create(_ context.Context, r *report.Report) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

func (m *repRepo) GetByID(_ context.Context, id uuid.UUID) (*report.Report, error) {
	r, ok := m.reports[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *repRepo) GetByEncounter(_ context.Context, encID uuid.UUID) (*report.Report, error) {
	for _, r := range m.reports {
		if r.EncounterID == encID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, report.ErrNotFound
}

func (m *repRepo) Update(_ context.Context, r *report.Report) error {
	if _, ok := m.reports[r.ID]; !ok {
		return report.ErrNotFound
	}
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

func (m *repRepo) List(_ context.Context, _, _ int) ([]*report.Report, int, error) {
	return nil, 0, nil
}

func (m *repRepo) AcquireLease(_ context.Context, id uuid.UUID, _ string, _ time.Duration) error {
	if _, ok := m.reports[id]; !ok {
		return report.ErrNotFound
	}
	return nil
}

func (m *repRepo) ReleaseLease(_ context.Context, _ uuid.UUID, _ string) error {
	return nil
}

type xwalkRepo struct {
	entries []*crosswalk.Entry
}

func (m *xwalkRepo) ListBySource(_ context.Context, code string) ([]*crosswalk.Entry, error) {
	var out []*crosswalk.Entry
	for _, e := range m.entries {
		if e.SourceCode == code {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *xwalkRepo) ListAll(_ context.Context) ([]*crosswalk.Entry, error) {
	return m.entries, nil
}

func (m *xwalkRepo) List(_ context.Context, _, _ int) ([]*crosswalk.Entry, int, error) {
	return m.entries, len(m.entries), nil
}

func (m *xwalkRepo) ReplaceVersion(_ context.Context, _, _ string, entries []*crosswalk.Entry) error {
	m.entries = entries
	return nil
}

// ---------------------------------------------------------------------------
// External-service fakes
// ---------------------------------------------------------------------------

type fakeNLP struct {
	spans   []phi.Span
	diag    []nlp.ExtractedEntity
	proc    []nlp.ExtractedEntity
	spanErr error
	extErrs int // number of extract calls to fail first
}

func (f *fakeNLP) DetectSensitiveSpans(_ context.Context, _ string) ([]phi.Span, error) {
	if f.spanErr != nil {
		return nil, f.spanErr
	}
	return f.spans, nil
}

func (f *fakeNLP) ExtractCodes(_ context.Context, _ string, vocab nlp.Vocabulary) ([]nlp.ExtractedEntity, error) {
	if f.extErrs > 0 {
		f.extErrs--
		return nil, fmt.Errorf("nlp: request timeout")
	}
	if vocab == nlp.VocabularyDiagnosis {
		return f.diag, nil
	}
	return f.proc, nil
}

type fakeAI struct {
	out      []aireview.SuggestedCode
	failures int
	calls    int
	lastSafe string
}

func (f *fakeAI) CompareCodes(_ context.Context, safeText string, _ []aireview.BilledCode, _ []aireview.CrosswalkSuggestion) ([]aireview.SuggestedCode, error) {
	f.calls++
	f.lastSafe = safeText
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("ai service timeout")
	}
	return f.out, nil
}

type fakeRetryer struct {
	delays []time.Duration
}

func (f *fakeRetryer) EnqueueReportRetry(_ context.Context, _, _ uuid.UUID, delay time.Duration) error {
	f.delays = append(f.delays, delay)
	return nil
}

type noopEnqueuer struct{}

func (noopEnqueuer) EnqueueReport(context.Context, uuid.UUID, uuid.UUID) error { return nil }

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	runner      *Runner
	encounters  *encounter.Service
	reports     *report.Service
	encRepo     *encRepo
	repRepo     *repRepo
	nlp         *fakeNLP
	ai          *fakeAI
	retryer     *fakeRetryer
	encounterID uuid.UUID
	reportID    uuid.UUID
}

const rawNote = "Patient John Smith seen for followup.\nPrinted on 2024-01-02\nVenipuncture performed."

func newFixture(t *testing.T) *fixture {
	t.Helper()

	er := newEncRepo()
	rr := newRepRepo()
	reports := report.NewService(rr, 3, zerolog.Nop())
	encryptor, err := phi.NewMappingEncryptor(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatal(err)
	}
	encounters := encounter.NewService(er, reports, encryptor, noopEnqueuer{}, zerolog.Nop())

	enc, rep, err := encounters.Submit(context.Background(), encounter.SubmitRequest{
		OwnerID:      uuid.New(),
		DocumentText: rawNote,
		BilledCodes:  []encounter.BilledCode{{Code: "99213", CodeType: "CPT", Description: "Office visit, level 3"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	fnlp := &fakeNLP{
		spans: []phi.Span{{Begin: 8, End: 18, Type: phi.EntityName, Score: 0.98}},
		diag: []nlp.ExtractedEntity{
			{Code: "Z00.00", Description: "General examination", Score: 0.9, Begin: 0, End: 7},
		},
		proc: []nlp.ExtractedEntity{
			{Code: "36415", Description: "Venipuncture", Score: 0.85, Begin: 40, End: 52},
		},
	}
	fai := &fakeAI{
		out: []aireview.SuggestedCode{
			{Code: "99214", CodeType: "CPT", Confidence: 0.91, Justification: "supports level 4"},
			{Code: "36415", CodeType: "CPT", Confidence: 0.80, Justification: "venipuncture documented"},
		},
	}
	retryer := &fakeRetryer{}

	resolver := crosswalk.NewResolver(&xwalkRepo{entries: []*crosswalk.Entry{
		{
			SourceCode: "Z00.00", TargetCode: "99214",
			MappingType: crosswalk.MappingApproximate, Confidence: 0.8,
			SourceName: "test", SourceVersion: "v1",
		},
	}})

	runner := NewRunner(RunnerConfig{
		Encounters: encounters,
		Reports:    reports,
		Resolver:   resolver,
		Engine:     comparison.NewEngine(),
		NLP:        fnlp,
		AI:         fai,
		Deident:    phi.NewDeidentifier(0.5),
		Pricer: NewStaticPricer(map[string]float64{
			"99213": 1.3,
			"99214": 2.0,
			"36415": 0.1,
		}),
		Retryer:  retryer,
		WorkerID: "worker-test",
		Logger:   zerolog.Nop(),
	})

	return &fixture{
		runner:      runner,
		encounters:  encounters,
		reports:     reports,
		encRepo:     er,
		repRepo:     rr,
		nlp:         fnlp,
		ai:          fai,
		retryer:     retryer,
		encounterID: enc.ID,
		reportID:    rep.ID,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunCompletesReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.runner.Run(ctx, f.encounterID, f.reportID); err != nil {
		t.Fatal(err)
	}

	rep, err := f.reports.Get(ctx, f.reportID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != report.StatusComplete {
		t.Fatalf("status = %s, error = %v", rep.Status, rep.ErrorMessage)
	}
	if rep.ProgressPercent != 100 || rep.CurrentStep != report.StepComplete {
		t.Errorf("progress = %d%% at %s", rep.ProgressPercent, rep.CurrentStep)
	}
	if rep.RenderedBody == nil || *rep.RenderedBody == "" {
		t.Error("rendered body missing")
	}

	// 99214 upgrades 99213 (+0.7), 36415 is new (+0.1).
	if len(rep.Suggestions) != 2 {
		t.Fatalf("suggestions = %d", len(rep.Suggestions))
	}
	byCode := make(map[string]comparison.Suggestion)
	for _, s := range rep.Suggestions {
		byCode[s.Code] = s
	}
	up := byCode["99214"]
	if up.Classification != comparison.ClassUpgrade || up.ReplacesCode != "99213" {
		t.Errorf("99214 = %+v", up)
	}
	if up.RevenueImpact < 0.699 || up.RevenueImpact > 0.701 {
		t.Errorf("99214 impact = %f", up.RevenueImpact)
	}
	if byCode["36415"].Classification != comparison.ClassNew {
		t.Errorf("36415 = %+v", byCode["36415"])
	}
	if rep.IncrementalRevenue < 0.799 || rep.IncrementalRevenue > 0.801 {
		t.Errorf("aggregate = %f", rep.IncrementalRevenue)
	}

	enc, _ := f.encounters.Get(ctx, f.encounterID)
	if enc.Status != encounter.StatusComplete {
		t.Errorf("encounter status = %s", enc.Status)
	}
}

func TestRunRedactsBeforeExternalCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.runner.Run(ctx, f.encounterID, f.reportID); err != nil {
		t.Fatal(err)
	}

	if f.ai.lastSafe == "" {
		t.Fatal("ai never called")
	}
	if bytes.Contains([]byte(f.ai.lastSafe), []byte("John Smith")) {
		t.Error("raw PHI crossed the AI boundary")
	}
	if !bytes.Contains([]byte(f.ai.lastSafe), []byte("[NAME_1]")) {
		t.Errorf("safe text missing placeholder: %q", f.ai.lastSafe)
	}

	// The boilerplate line is filtered out before inference.
	if bytes.Contains([]byte(f.ai.lastSafe), []byte("Printed on")) {
		t.Error("administrative boilerplate not filtered")
	}

	pm := f.encRepo.mappings[f.encounterID]
	if pm == nil {
		t.Fatal("phi mapping not persisted")
	}
	if pm.EntityCount != 1 {
		t.Errorf("entity count = %d", pm.EntityCount)
	}
	if bytes.Contains([]byte(pm.EncryptedMapping), []byte("John Smith")) {
		t.Error("plaintext span persisted")
	}
}

func TestRunPersistsExtractedCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.runner.Run(ctx, f.encounterID, f.reportID); err != nil {
		t.Fatal(err)
	}

	codes := f.encRepo.extracted[f.encounterID]
	if len(codes) != 2 {
		t.Fatalf("extracted = %d", len(codes))
	}
	kinds := map[encounter.CodeKind]int{}
	for _, c := range codes {
		kinds[c.Kind]++
	}
	if kinds[encounter.KindDiagnosis] != 1 || kinds[encounter.KindProcedure] != 1 {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The AI service times out twice; the third attempt succeeds.
	f.ai.failures = 2

	for attempt := 0; attempt < 3; attempt++ {
		if err := f.runner.Run(ctx, f.encounterID, f.reportID); err != nil {
			t.Fatalf("attempt %d: %v", attempt+1, err)
		}
	}

	rep, err := f.reports.Get(ctx, f.reportID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != report.StatusComplete {
		t.Fatalf("status = %s after retries", rep.Status)
	}
	if rep.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", rep.RetryCount)
	}
	if len(f.retryer.delays) != 2 {
		t.Fatalf("retries scheduled = %d, want 2", len(f.retryer.delays))
	}
	// Exponential backoff between attempts.
	if f.retryer.delays[1] <= f.retryer.delays[0] {
		t.Errorf("delays not increasing: %v", f.retryer.delays)
	}
	if f.ai.calls != 3 {
		t.Errorf("ai calls = %d", f.ai.calls)
	}
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ai.failures = 10 // never recovers

	for attempt := 0; attempt < 3; attempt++ {
		if err := f.runner.Run(ctx, f.encounterID, f.reportID); err != nil {
			t.Fatalf("attempt %d: %v", attempt+1, err)
		}
	}

	rep, _ := f.reports.Get(ctx, f.reportID)
	if rep.Status != report.StatusFailed {
		t.Fatalf("status = %s", rep.Status)
	}
	if rep.ErrorDetail == nil || rep.ErrorDetail.Stage != string(report.StepAIComparison) {
		t.Errorf("error detail = %+v", rep.ErrorDetail)
	}
	// Only two retries follow the first attempt.
	if len(f.retryer.delays) != 2 {
		t.Errorf("retries scheduled = %d", len(f.retryer.delays))
	}

	enc, _ := f.encounters.Get(ctx, f.encounterID)
	if enc.Status != encounter.StatusFailed {
		t.Errorf("encounter status = %s", enc.Status)
	}
}

func TestRunMalformedSpansFailImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Overlapping spans are invalid input: no retry can fix them.
	f.nlp.spans = []phi.Span{
		{Begin: 8, End: 18, Type: phi.EntityName, Score: 0.98},
		{Begin: 10, End: 20, Type: phi.EntityName, Score: 0.90},
	}

	if err := f.runner.Run(ctx, f.encounterID, f.reportID); err != nil {
		t.Fatal(err)
	}

	rep, _ := f.reports.Get(ctx, f.reportID)
	if rep.Status != report.StatusFailed {
		t.Fatalf("status = %s", rep.Status)
	}
	if rep.ErrorDetail == nil || rep.ErrorDetail.ErrorClass != "invalid_input" {
		t.Errorf("error detail = %+v", rep.ErrorDetail)
	}
	if len(f.retryer.delays) != 0 {
		t.Error("invalid input must not schedule a retry")
	}
}

func TestRunProgressNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sink := &percentSink{}
	f.runner.sinks = []report.ProgressSink{sink}

	if err := f.runner.Run(ctx, f.encounterID, f.reportID); err != nil {
		t.Fatal(err)
	}
	if len(sink.percents) == 0 {
		t.Fatal("no progress recorded")
	}
	for i := 1; i < len(sink.percents); i++ {
		if sink.percents[i] < sink.percents[i-1] {
			t.Fatalf("progress regressed: %v", sink.percents)
		}
	}
	if last := sink.percents[len(sink.percents)-1]; last != 100 {
		t.Errorf("final progress = %d", last)
	}
}

type percentSink struct {
	percents []int
}

func (s *percentSink) ReportProgress(_ context.Context, _, _ string, _ report.Step, percent int) {
	s.percents = append(s.percents, percent)
}
