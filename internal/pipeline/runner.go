// Package pipeline orchestrates one report generation run: de-identify,
// extract, crosswalk, compare, finalize. Each stage records progress through
// the report state machine; stage failures are classified by the error
// taxonomy and either re-enqueued (transient) or terminal (invalid input,
// crypto).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
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

// SpanDetector and CodeExtractor are the two NLP calls the pipeline makes.
type SpanDetector interface {
	DetectSensitiveSpans(ctx context.Context, text string) ([]phi.Span, error)
}

type CodeExtractor interface {
	ExtractCodes(ctx context.Context, safeText string, vocab nlp.Vocabulary) ([]nlp.ExtractedEntity, error)
}

// NLPService is the full external NLP contract.
type NLPService interface {
	SpanDetector
	CodeExtractor
}

// Comparer is the external AI comparison contract.
type Comparer interface {
	CompareCodes(ctx context.Context, safeText string, billed []aireview.BilledCode, suggestions []aireview.CrosswalkSuggestion) ([]aireview.SuggestedCode, error)
}

// Retryer re-enqueues a report after a transient stage failure. The state
// machine owns the retry budget; the queue only provides the delay.
type Retryer interface {
	EnqueueReportRetry(ctx context.Context, encounterID, reportID uuid.UUID, delay time.Duration) error
}

// Runner executes report generation runs.
type Runner struct {
	encounters *encounter.Service
	reports    *report.Service
	resolver   *crosswalk.Resolver
	engine     *comparison.Engine
	nlp        NLPService
	ai         Comparer
	deident    *phi.Deidentifier
	pricer     comparison.Pricer
	retryer    Retryer
	sinks      []report.ProgressSink
	workerID   string
	leaseTTL   time.Duration
	logger     zerolog.Logger
}

type RunnerConfig struct {
	Encounters *encounter.Service
	Reports    *report.Service
	Resolver   *crosswalk.Resolver
	Engine     *comparison.Engine
	NLP        NLPService
	AI         Comparer
	Deident    *phi.Deidentifier
	Pricer     comparison.Pricer
	Retryer    Retryer
	Sinks      []report.ProgressSink
	WorkerID   string
	LeaseTTL   time.Duration
	Logger     zerolog.Logger
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.New().String()[:8]
	}
	return &Runner{
		encounters: cfg.Encounters,
		reports:    cfg.Reports,
		resolver:   cfg.Resolver,
		engine:     cfg.Engine,
		nlp:        cfg.NLP,
		ai:         cfg.AI,
		deident:    cfg.Deident,
		pricer:     cfg.Pricer,
		retryer:    cfg.Retryer,
		sinks:      cfg.Sinks,
		workerID:   cfg.WorkerID,
		leaseTTL:   cfg.LeaseTTL,
		logger:     cfg.Logger,
	}
}

// Run executes one processing attempt for a report. A held lease means
// another worker owns the attempt and this invocation simply drops the task.
func (r *Runner) Run(ctx context.Context, encounterID, reportID uuid.UUID) error {
	rep, err := r.reports.BeginProcessing(ctx, reportID, r.workerID, r.leaseTTL)
	if err != nil {
		if errors.Is(err, report.ErrLeaseHeld) {
			r.logger.Debug().Str("report_id", reportID.String()).Msg("lease held, dropping task")
			return nil
		}
		return err
	}
	if err := r.encounters.SetStatus(ctx, encounterID, encounter.StatusProcessing); err != nil {
		r.logger.Warn().Err(err).Str("encounter_id", encounterID.String()).Msg("mirror processing status")
	}

	tracker := report.NewTracker(encounterID.String(), reportID.String(), r.sinks...)
	advance := func(step report.Step) error {
		if err := tracker.Advance(ctx, step); err != nil {
			return err
		}
		return r.reports.RecordProgress(ctx, reportID, step, tracker.Percent())
	}

	if err := r.run(ctx, encounterID, rep, advance); err != nil {
		var sf *stageFailure
		if errors.As(err, &sf) {
			return r.fail(ctx, encounterID, reportID, sf)
		}
		return r.fail(ctx, encounterID, reportID, &stageFailure{
			stage:     tracker.Step(),
			cause:     err,
			retryable: true,
		})
	}
	return nil
}

// stageFailure carries the failing step and its taxonomy class through the
// stage sequence to the single failure handler.
type stageFailure struct {
	stage     report.Step
	cause     error
	retryable bool
}

func (f *stageFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.stage, f.cause)
}

func (f *stageFailure) Unwrap() error { return f.cause }

func failAt(stage report.Step, cause error, retryable bool) *stageFailure {
	return &stageFailure{stage: stage, cause: cause, retryable: retryable}
}

func (r *Runner) run(ctx context.Context, encounterID uuid.UUID, rep *report.Report, advance func(report.Step) error) error {
	// initializing: load the inputs.
	if err := advance(report.StepInitializing); err != nil {
		return err
	}
	docText, err := r.encounters.DocumentText(ctx, encounterID)
	if err != nil {
		return failAt(report.StepInitializing, err, true)
	}
	if strings.TrimSpace(docText) == "" {
		return failAt(report.StepInitializing, fmt.Errorf("invalid input: empty document text"), false)
	}
	billedRows, err := r.encounters.BilledCodes(ctx, encounterID)
	if err != nil {
		return failAt(report.StepInitializing, err, true)
	}

	// phi_detection: detect spans, build the safe text, persist the
	// encrypted mapping. Nothing past this stage ever sees the raw text.
	if err := advance(report.StepPhiDetection); err != nil {
		return err
	}
	spans, err := r.nlp.DetectSensitiveSpans(ctx, docText)
	if err != nil {
		return failAt(report.StepPhiDetection, err, true)
	}
	deidentified, err := r.deident.Deidentify(docText, spans)
	if err != nil {
		// Malformed spans mean bad input, not a transient fault.
		return failAt(report.StepPhiDetection, err, false)
	}
	if err := r.encounters.SaveDeidentified(ctx, encounterID, deidentified); err != nil {
		retryable := !errors.Is(err, phi.ErrCrypto)
		return failAt(report.StepPhiDetection, err, retryable)
	}
	if err := advance(report.StepPhiDetectionComplete); err != nil {
		return err
	}

	// clinical_filtering: trim the safe text to clinical narrative.
	if err := advance(report.StepClinicalFiltering); err != nil {
		return err
	}
	safeText := filterClinical(deidentified.SafeText)
	if err := advance(report.StepClinicalFilteringComplete); err != nil {
		return err
	}

	// code_inference: diagnosis and procedure extraction are independent
	// read-only queries over the same safe text, so they run concurrently.
	if err := advance(report.StepCodeInferenceDiagnosis); err != nil {
		return err
	}
	var (
		wg        sync.WaitGroup
		diagnoses []nlp.ExtractedEntity
		procs     []nlp.ExtractedEntity
		diagErr   error
		procErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		diagnoses, diagErr = r.nlp.ExtractCodes(ctx, safeText, nlp.VocabularyDiagnosis)
	}()
	go func() {
		defer wg.Done()
		procs, procErr = r.nlp.ExtractCodes(ctx, safeText, nlp.VocabularyProcedure)
	}()
	wg.Wait()
	if diagErr != nil {
		return failAt(report.StepCodeInferenceDiagnosis, diagErr, true)
	}
	if err := advance(report.StepCodeInferenceProcedure); err != nil {
		return err
	}
	if procErr != nil {
		return failAt(report.StepCodeInferenceProcedure, procErr, true)
	}

	extracted := make([]encounter.ExtractedCode, 0, len(diagnoses)+len(procs))
	for _, e := range diagnoses {
		extracted = append(extracted, toExtractedCode(encounterID, encounter.KindDiagnosis, e))
	}
	for _, e := range procs {
		extracted = append(extracted, toExtractedCode(encounterID, encounter.KindProcedure, e))
	}
	if err := r.encounters.SaveExtractedCodes(ctx, encounterID, extracted); err != nil {
		return failAt(report.StepCodeInferenceProcedure, err, true)
	}
	if err := advance(report.StepCodeInferenceComplete); err != nil {
		return err
	}

	// ai_comparison: crosswalk the diagnosis codes, then hand everything to
	// the AI comparison pass.
	if err := advance(report.StepAIComparison); err != nil {
		return err
	}
	diagCodes := make([]string, 0, len(diagnoses))
	for _, e := range diagnoses {
		diagCodes = append(diagCodes, e.Code)
	}
	matches, err := r.resolver.Resolve(ctx, diagCodes)
	if err != nil {
		return failAt(report.StepAIComparison, err, true)
	}

	var xwalk []aireview.CrosswalkSuggestion
	for source, ms := range matches {
		for _, m := range ms {
			xwalk = append(xwalk, aireview.CrosswalkSuggestion{
				SourceCode: source,
				TargetCode: m.TargetCode,
				Confidence: m.Confidence,
			})
		}
	}

	billed := make([]aireview.BilledCode, 0, len(billedRows))
	for _, b := range billedRows {
		billed = append(billed, aireview.BilledCode{
			Code:        b.Code,
			CodeType:    b.CodeType,
			Description: b.Description,
		})
	}

	reviewed, err := r.ai.CompareCodes(ctx, safeText, billed, xwalk)
	if err != nil {
		return failAt(report.StepAIComparison, err, true)
	}
	if len(reviewed) == 0 {
		return failAt(report.StepAIComparison, fmt.Errorf("ai comparison returned no suggested codes"), true)
	}

	// finalizing_report: price, classify, render and complete.
	if err := advance(report.StepFinalizingReport); err != nil {
		return err
	}
	outcome := r.compare(billedRows, reviewed)
	rep.Suggestions = outcome.Suggestions
	rep.IncrementalRevenue = outcome.IncrementalRevenue
	rep.Overcoded = outcome.Overcoded
	rendered := renderBody(outcome, pricedBilled(r.pricer, billedRows))
	rep.RenderedBody = &rendered

	if err := advance(report.StepComplete); err != nil {
		return err
	}
	rep.ProgressPercent = 100
	rep.CurrentStep = report.StepComplete
	if err := r.reports.Complete(ctx, rep, r.workerID); err != nil {
		return failAt(report.StepFinalizingReport, err, true)
	}
	if err := r.encounters.SetStatus(ctx, encounterID, encounter.StatusComplete); err != nil {
		r.logger.Warn().Err(err).Str("encounter_id", encounterID.String()).Msg("mirror complete status")
	}
	return nil
}

// compare prices the billed and candidate sets and runs the classification.
func (r *Runner) compare(billedRows []encounter.BilledCode, reviewed []aireview.SuggestedCode) comparison.Outcome {
	billed := pricedBilled(r.pricer, billedRows)

	candidates := make([]comparison.Candidate, 0, len(reviewed))
	for _, s := range reviewed {
		units, _ := r.pricer.ValueUnits(s.Code, s.CodeType)
		candidates = append(candidates, comparison.Candidate{
			Code:           s.Code,
			CodeType:       s.CodeType,
			Confidence:     s.Confidence,
			ValueUnits:     units,
			Justification:  s.Justification,
			SupportingText: s.SupportingText,
		})
	}
	return r.engine.Compare(billed, candidates)
}

func pricedBilled(pricer comparison.Pricer, rows []encounter.BilledCode) []comparison.BilledCode {
	out := make([]comparison.BilledCode, 0, len(rows))
	for _, b := range rows {
		units, _ := pricer.ValueUnits(b.Code, b.CodeType)
		out = append(out, comparison.BilledCode{
			Code:        b.Code,
			CodeType:    b.CodeType,
			Description: b.Description,
			ValueUnits:  units,
		})
	}
	return out
}

func toExtractedCode(encounterID uuid.UUID, kind encounter.CodeKind, e nlp.ExtractedEntity) encounter.ExtractedCode {
	return encounter.ExtractedCode{
		EncounterID: encounterID,
		Kind:        kind,
		Code:        e.Code,
		Description: e.Description,
		Confidence:  e.Score,
		SpanBegin:   e.Begin,
		SpanEnd:     e.End,
		Category:    e.Category,
	}
}

// fail records the stage failure and, when the budget allows, schedules the
// next attempt with exponential backoff.
func (r *Runner) fail(ctx context.Context, encounterID, reportID uuid.UUID, sf *stageFailure) error {
	rep, err := r.reports.Fail(ctx, reportID, r.workerID, sf.stage, sf.cause, sf.retryable)
	if err != nil {
		return err
	}

	if sf.retryable && rep.AttemptsRemaining() > 0 {
		delay := retryDelay(rep.RetryCount)
		if err := r.retryer.EnqueueReportRetry(ctx, encounterID, reportID, delay); err != nil {
			r.logger.Error().Err(err).Str("report_id", reportID.String()).Msg("schedule retry")
		}
		return nil
	}

	if err := r.encounters.SetStatus(ctx, encounterID, encounter.StatusFailed); err != nil {
		r.logger.Warn().Err(err).Str("encounter_id", encounterID.String()).Msg("mirror failed status")
	}
	return nil
}

// retryDelay doubles per completed attempt: 10s, 20s, 40s...
func retryDelay(retryCount int) time.Duration {
	return 10 * time.Second << retryCount
}
