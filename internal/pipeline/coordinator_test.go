package pipeline_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"tabscribe/internal/jobs"
	"tabscribe/internal/logging"
	"tabscribe/internal/pipeline"
	"tabscribe/internal/stage"
	"tabscribe/internal/testsupport"
)

type dispatchCall struct {
	JobID string
	Stage stage.Stage
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job *jobs.Job, s stage.Stage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{JobID: job.ID, Stage: s})
	return nil
}

func (d *recordingDispatcher) Calls() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dispatchCall, len(d.calls))
	copy(out, d.calls)
	return out
}

func preprocessingResult() stage.PreprocessingResult {
	return stage.PreprocessingResult{
		NormalizedAudioRef: "/tmp/normalized.wav",
		SampleRate:         44100,
		Duration:           3.0,
	}
}

func featureResult() stage.FeatureExtractionResult {
	return stage.FeatureExtractionResult{
		Onsets: []float64{0.0, 0.5},
		Tempo:  120,
		Key:    "E minor",
	}
}

func noteResult() stage.NoteMappingResult {
	return stage.NoteMappingResult{
		Notes: []stage.Note{{Onset: 0.0, Duration: 0.5, Pitch: "E1", MIDI: 28}},
	}
}

func outputResult() stage.OutputFormattingResult {
	return stage.OutputFormattingResult{
		ArtifactPaths: map[string]string{"musicxml": "/artifacts/out.musicxml"},
	}
}

func TestFullRunWithoutSeparation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-a", "a.wav", false)

	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("advance preprocessing failed: %v", err)
	}

	// Separation opted out: the coordinator forwards the audio itself.
	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.CurrentStage != string(stage.FeatureExtraction) {
		t.Fatalf("expected feature_extraction after skip, got %s", fetched.CurrentStage)
	}
	if fetched.Progress != 40 {
		t.Fatalf("expected progress 40 after skip, got %d", fetched.Progress)
	}
	sepRaw, ok := fetched.StageResults[string(stage.StemSeparation)]
	if !ok {
		t.Fatal("expected pass-through separation result to be recorded")
	}
	var sep stage.StemSeparationResult
	if err := json.Unmarshal(sepRaw, &sep); err != nil {
		t.Fatalf("unmarshal separation result: %v", err)
	}
	if sep.IsStem || len(sep.Stems) != 0 {
		t.Fatalf("expected empty pass-through result, got %#v", sep)
	}

	if err := coord.Advance(ctx, job.ID, stage.FeatureExtraction, featureResult()); err != nil {
		t.Fatalf("advance feature_extraction failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.NoteMapping, noteResult()); err != nil {
		t.Fatalf("advance note_mapping failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.OutputFormatting, outputResult()); err != nil {
		t.Fatalf("advance output_formatting failed: %v", err)
	}

	final, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if final.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", final.Progress)
	}
	if final.CurrentStage != string(stage.OutputFormatting) {
		t.Fatalf("expected final stage output_formatting, got %s", final.CurrentStage)
	}
	for _, s := range stage.Order() {
		if !final.HasStageResult(string(s)) {
			t.Fatalf("missing stage result for %s", s)
		}
	}

	wantDispatches := []dispatchCall{
		{"job-a", stage.Preprocessing},
		{"job-a", stage.FeatureExtraction},
		{"job-a", stage.NoteMapping},
		{"job-a", stage.OutputFormatting},
	}
	got := dispatcher.Calls()
	if len(got) != len(wantDispatches) {
		t.Fatalf("expected %d dispatches, got %v", len(wantDispatches), got)
	}
	for i, want := range wantDispatches {
		if got[i] != want {
			t.Fatalf("dispatch %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestFailDuringSeparation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-b", "b.wav", true)

	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("advance preprocessing failed: %v", err)
	}
	if err := coord.Fail(ctx, job.ID, stage.StemSeparation, "model unavailable"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.Status != jobs.StatusError {
		t.Fatalf("expected error status, got %s", fetched.Status)
	}
	if fetched.Error == nil || fetched.Error.Stage != string(stage.StemSeparation) || fetched.Error.Message != "model unavailable" {
		t.Fatalf("unexpected error record: %#v", fetched.Error)
	}
	if len(fetched.StageResults) != 1 || !fetched.HasStageResult(string(stage.Preprocessing)) {
		t.Fatalf("expected only preprocessing result to survive, got %v", fetched.StageResults)
	}

	// Terminal state is immutable: late completions and failures change nothing.
	if err := coord.Advance(ctx, job.ID, stage.StemSeparation, stage.StemSeparationResult{}); err != nil {
		t.Fatalf("late advance errored: %v", err)
	}
	if err := coord.Fail(ctx, job.ID, stage.StemSeparation, "second failure"); err != nil {
		t.Fatalf("late fail errored: %v", err)
	}
	again, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if again.Status != jobs.StatusError || again.Error.Message != "model unavailable" {
		t.Fatalf("terminal job mutated: %#v", again)
	}
}

func TestFanOutCreatesChildren(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-c", "c.wav", true)

	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("advance preprocessing failed: %v", err)
	}

	separation := stage.StemSeparationResult{
		Stems: []stage.StemRef{
			{StemName: "bass", StemAudioRef: "/tmp/stems/bass.wav"},
			{StemName: "drums", StemAudioRef: "/tmp/stems/drums.wav"},
		},
	}
	if err := coord.Advance(ctx, job.ID, stage.StemSeparation, separation); err != nil {
		t.Fatalf("advance stem_separation failed: %v", err)
	}

	parent, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if parent.Status != jobs.StatusProcessing {
		t.Fatalf("parent should stay processing, got %s", parent.Status)
	}
	if parent.CurrentStage != string(stage.StemSeparation) {
		t.Fatalf("parent should hold at stem_separation, got %s", parent.CurrentStage)
	}
	if parent.Progress != 40 {
		t.Fatalf("expected parent progress 40, got %d", parent.Progress)
	}

	var record stage.FanOutRecord
	if err := json.Unmarshal(parent.StageResults[string(stage.StemSeparation)], &record); err != nil {
		t.Fatalf("unmarshal fan-out record: %v", err)
	}
	if record.Status != stage.FannedOut {
		t.Fatalf("expected fanned_out record, got %q", record.Status)
	}
	wantChildren := []string{"job-c_bass", "job-c_drums"}
	if len(record.ChildJobIDs) != len(wantChildren) {
		t.Fatalf("unexpected child ids: %v", record.ChildJobIDs)
	}
	for i, want := range wantChildren {
		if record.ChildJobIDs[i] != want {
			t.Fatalf("child id %d = %s, want %s", i, record.ChildJobIDs[i], want)
		}
	}

	children, err := store.Children(ctx, job.ID)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	for _, child := range children {
		if child.Status != jobs.StatusProcessing {
			t.Fatalf("child %s status = %s", child.ID, child.Status)
		}
		if child.CurrentStage != string(stage.FeatureExtraction) {
			t.Fatalf("child %s stage = %s", child.ID, child.CurrentStage)
		}
		if child.Progress != 40 {
			t.Fatalf("child %s progress = %d", child.ID, child.Progress)
		}
		if child.ParentID != job.ID {
			t.Fatalf("child %s parent = %s", child.ID, child.ParentID)
		}
		if child.Instrument != parent.Instrument {
			t.Fatalf("child %s instrument = %s", child.ID, child.Instrument)
		}
		if child.SampleRate != preprocessingResult().SampleRate {
			t.Fatalf("child %s sample rate = %d", child.ID, child.SampleRate)
		}
	}

	// Children dispatched into feature extraction.
	var childDispatches int
	for _, call := range dispatcher.Calls() {
		if call.Stage == stage.FeatureExtraction {
			childDispatches++
		}
	}
	if childDispatches != 2 {
		t.Fatalf("expected 2 feature dispatches, got %d", childDispatches)
	}

	// Redelivered separation completion changes nothing.
	if err := coord.Advance(ctx, job.ID, stage.StemSeparation, separation); err != nil {
		t.Fatalf("duplicate advance failed: %v", err)
	}
	children, err = store.Children(ctx, job.ID)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("duplicate fan-out created children: %d", len(children))
	}
}

func TestSingleUsableStemContinuesSameJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-single", "s.wav", true)
	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("advance preprocessing failed: %v", err)
	}

	// Vocals are excluded by default, leaving one usable stem.
	separation := stage.StemSeparationResult{
		Stems: []stage.StemRef{
			{StemName: "bass", StemAudioRef: "/tmp/stems/bass.wav"},
			{StemName: "vocals", StemAudioRef: "/tmp/stems/vocals.wav"},
		},
	}
	if err := coord.Advance(ctx, job.ID, stage.StemSeparation, separation); err != nil {
		t.Fatalf("advance stem_separation failed: %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.CurrentStage != string(stage.FeatureExtraction) {
		t.Fatalf("expected direct continuation, got stage %s", fetched.CurrentStage)
	}
	var sep stage.StemSeparationResult
	if err := json.Unmarshal(fetched.StageResults[string(stage.StemSeparation)], &sep); err != nil {
		t.Fatalf("unmarshal separation result: %v", err)
	}
	if !sep.IsStem || len(sep.Stems) != 1 || sep.Stems[0].StemName != "bass" {
		t.Fatalf("expected single bass stem, got %#v", sep)
	}

	children, err := store.Children(ctx, job.ID)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("expected no fan-out for single stem, got %d children", len(children))
	}
}

func TestVocalsIncludedWhenConfigured(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithVocals())
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-vocals", "v.wav", true)
	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("advance preprocessing failed: %v", err)
	}

	separation := stage.StemSeparationResult{
		Stems: []stage.StemRef{
			{StemName: "bass", StemAudioRef: "/tmp/stems/bass.wav"},
			{StemName: "vocals", StemAudioRef: "/tmp/stems/vocals.wav"},
		},
	}
	if err := coord.Advance(ctx, job.ID, stage.StemSeparation, separation); err != nil {
		t.Fatalf("advance stem_separation failed: %v", err)
	}

	children, err := store.Children(ctx, job.ID)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected vocals fan-out, got %d children", len(children))
	}
}

func TestZeroUsableStemsFallsBack(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-zero", "z.wav", true)
	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("advance preprocessing failed: %v", err)
	}

	separation := stage.StemSeparationResult{
		Stems: []stage.StemRef{{StemName: "vocals", StemAudioRef: "/tmp/stems/vocals.wav"}},
	}
	if err := coord.Advance(ctx, job.ID, stage.StemSeparation, separation); err != nil {
		t.Fatalf("advance stem_separation failed: %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.CurrentStage != string(stage.FeatureExtraction) {
		t.Fatalf("expected fallback continuation, got %s", fetched.CurrentStage)
	}
	var sep stage.StemSeparationResult
	if err := json.Unmarshal(fetched.StageResults[string(stage.StemSeparation)], &sep); err != nil {
		t.Fatalf("unmarshal separation result: %v", err)
	}
	if sep.IsStem || len(sep.Stems) != 0 {
		t.Fatalf("expected pass-through result, got %#v", sep)
	}
}

func TestAdvanceIsIdempotentUnderDuplicateDelivery(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-dup", "d.wav", false)
	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("first advance failed: %v", err)
	}

	before, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	dispatchesBefore := len(dispatcher.Calls())

	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("duplicate advance failed: %v", err)
	}

	after, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if after.CurrentStage != before.CurrentStage || after.Progress != before.Progress || after.Status != before.Status {
		t.Fatalf("duplicate delivery mutated job: %#v vs %#v", before, after)
	}
	if len(after.StageResults) != len(before.StageResults) {
		t.Fatalf("duplicate delivery changed stage results")
	}
	if len(dispatcher.Calls()) != dispatchesBefore {
		t.Fatal("duplicate delivery dispatched again")
	}
}

func TestAdvanceOutOfOrderIsNoOp(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-order", "o.wav", false)
	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Completion for a stage the job has not reached.
	if err := coord.Advance(ctx, job.ID, stage.NoteMapping, noteResult()); err != nil {
		t.Fatalf("out-of-order advance errored: %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.CurrentStage != string(stage.Preprocessing) {
		t.Fatalf("out-of-order advance moved job to %s", fetched.CurrentStage)
	}
	if fetched.Progress != 0 {
		t.Fatalf("out-of-order advance changed progress: %d", fetched.Progress)
	}
	if len(fetched.StageResults) != 0 {
		t.Fatal("out-of-order advance recorded a result")
	}
}

func TestAdvanceUnknownJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	coord := pipeline.NewCoordinator(cfg, store, &recordingDispatcher{}, logging.NewNop())

	err := coord.Advance(context.Background(), "missing", stage.Preprocessing, preprocessingResult())
	if err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestChildStartsAtFeatureExtraction(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	child := &jobs.Job{
		ID:             "parent_bass",
		ParentID:       "parent",
		SourceAudioRef: "/tmp/stems/bass.wav",
		Instrument:     "bass",
		StemName:       "bass",
	}
	if err := store.Create(ctx, child); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if err := coord.Start(ctx, child.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fetched, err := store.GetByID(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.CurrentStage != string(stage.FeatureExtraction) {
		t.Fatalf("child entered at %s", fetched.CurrentStage)
	}
}

func TestChildIDDerivation(t *testing.T) {
	if got := pipeline.ChildID("abc-123", "drums"); got != "abc-123_drums" {
		t.Fatalf("ChildID = %s", got)
	}
}

func TestAdvanceResumesAfterPartialCommit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-partial", "p.wav", true)
	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// First delivery recorded the result but died before moving the job.
	payload, err := stage.EncodeResult(preprocessingResult())
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	inserted, err := store.AppendStageResult(ctx, job.ID, string(stage.Preprocessing), payload)
	if err != nil || !inserted {
		t.Fatalf("seed partial commit: inserted=%v err=%v", inserted, err)
	}

	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("redelivered advance failed: %v", err)
	}

	after, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if after.CurrentStage != string(stage.StemSeparation) {
		t.Fatalf("redelivery left job at %s", after.CurrentStage)
	}
	if after.Progress != 20 {
		t.Fatalf("expected progress 20, got %d", after.Progress)
	}
	var separationDispatches int
	for _, call := range dispatcher.Calls() {
		if call.Stage == stage.StemSeparation {
			separationDispatches++
		}
	}
	if separationDispatches != 1 {
		t.Fatalf("expected 1 separation dispatch after recovery, got %d", separationDispatches)
	}
}

func TestFanOutRedeliveryDispatchesChildren(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-r", "r.wav", true)
	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("advance preprocessing failed: %v", err)
	}

	// First delivery created the children and the bookkeeping record but died
	// before dispatching any of them.
	stems := []stage.StemRef{
		{StemName: "bass", StemAudioRef: "/tmp/stems/bass.wav"},
		{StemName: "drums", StemAudioRef: "/tmp/stems/drums.wav"},
	}
	childIDs := make([]string, 0, len(stems))
	for _, stem := range stems {
		childID := pipeline.ChildID(job.ID, stem.StemName)
		childIDs = append(childIDs, childID)
		child := &jobs.Job{
			ID:             childID,
			ParentID:       job.ID,
			Status:         jobs.StatusProcessing,
			CurrentStage:   string(stage.FeatureExtraction),
			Progress:       40,
			SourceAudioRef: stem.StemAudioRef,
			Instrument:     job.Instrument,
			StemName:       stem.StemName,
		}
		if err := store.Create(ctx, child); err != nil {
			t.Fatalf("seed child %s: %v", childID, err)
		}
	}
	record, err := json.Marshal(stage.FanOutRecord{Status: stage.FannedOut, ChildJobIDs: childIDs})
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if _, err := store.AppendStageResult(ctx, job.ID, string(stage.StemSeparation), record); err != nil {
		t.Fatalf("seed fan-out record: %v", err)
	}

	if err := coord.Advance(ctx, job.ID, stage.StemSeparation, stage.StemSeparationResult{Stems: stems}); err != nil {
		t.Fatalf("redelivered advance failed: %v", err)
	}

	var featureDispatches int
	for _, call := range dispatcher.Calls() {
		if call.Stage == stage.FeatureExtraction {
			featureDispatches++
		}
	}
	if featureDispatches != 2 {
		t.Fatalf("expected stranded children dispatched, got %d feature dispatches", featureDispatches)
	}

	children, err := store.Children(ctx, job.ID)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("redelivery changed child count: %d", len(children))
	}
	parent, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if parent.Status != jobs.StatusProcessing || parent.CurrentStage != string(stage.StemSeparation) {
		t.Fatalf("parent moved: %s at %s", parent.Status, parent.CurrentStage)
	}
	if parent.Progress != 40 {
		t.Fatalf("expected parent progress 40, got %d", parent.Progress)
	}
}

func TestPassThroughRedeliveryResumesAdvance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	dispatcher := &recordingDispatcher{}
	coord := pipeline.NewCoordinator(cfg, store, dispatcher, logging.NewNop())

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-pt", "pt.wav", true)
	if err := coord.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := coord.Advance(ctx, job.ID, stage.Preprocessing, preprocessingResult()); err != nil {
		t.Fatalf("advance preprocessing failed: %v", err)
	}

	// First delivery recorded the pass-through result but died before the
	// move to feature extraction.
	payload, err := stage.EncodeResult(stage.StemSeparationResult{})
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	if _, err := store.AppendStageResult(ctx, job.ID, string(stage.StemSeparation), payload); err != nil {
		t.Fatalf("seed partial commit: %v", err)
	}

	separation := stage.StemSeparationResult{
		Stems: []stage.StemRef{{StemName: "vocals", StemAudioRef: "/tmp/stems/vocals.wav"}},
	}
	if err := coord.Advance(ctx, job.ID, stage.StemSeparation, separation); err != nil {
		t.Fatalf("redelivered advance failed: %v", err)
	}

	after, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if after.CurrentStage != string(stage.FeatureExtraction) {
		t.Fatalf("redelivery left job at %s", after.CurrentStage)
	}
	if after.Progress != 40 {
		t.Fatalf("expected progress 40, got %d", after.Progress)
	}
	var featureDispatches int
	for _, call := range dispatcher.Calls() {
		if call.Stage == stage.FeatureExtraction {
			featureDispatches++
		}
	}
	if featureDispatches != 1 {
		t.Fatalf("expected 1 feature dispatch after recovery, got %d", featureDispatches)
	}
}
