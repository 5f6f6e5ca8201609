package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/cache"
	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/llm"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
	"github.com/loqalabs/loqa-dialog/internal/stt"
	"github.com/loqalabs/loqa-dialog/internal/tools"
	"github.com/loqalabs/loqa-dialog/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRecognizer struct {
	text string
	err  error
	wait bool
}

func (f fakeRecognizer) Transcribe(ctx context.Context, _ []byte, _ int, _ int) (stt.TranscriptResult, error) {
	if f.wait {
		<-ctx.Done()
		return stt.TranscriptResult{}, ctx.Err()
	}
	return stt.TranscriptResult{Text: f.text}, f.err
}

type fakeGenerator struct {
	reply llm.Reply
	err   error
	calls atomic.Int32
	last  llm.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request) (llm.Reply, error) {
	f.calls.Add(1)
	f.last = req
	return f.reply, f.err
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, req tts.SynthRequest) (tts.Speech, error) {
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.mu.Unlock()
	if f.err != nil {
		return tts.Speech{}, f.err
	}
	return tts.Speech{Audio: []byte("RIFF" + req.Text), SampleRate: 22050, Channels: 1}, nil
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// fakeTools answers each tool after a per-tool delay so completion order can be forced.
type fakeTools struct {
	replies map[string]string
	delays  map[string]time.Duration
	mu      sync.Mutex
	order   []string
}

func (f *fakeTools) Invoke(_ context.Context, name string, args tools.Args) tools.Result {
	time.Sleep(f.delays[name])
	f.mu.Lock()
	f.order = append(f.order, name)
	f.mu.Unlock()
	text, ok := f.replies[name]
	if !ok {
		return tools.Result{Text: "tool " + name + " not found", Outcome: tools.OutcomeUnknown, Err: tools.ErrUnknownTool}
	}
	return tools.Result{Text: text + args.String("suffix"), Outcome: tools.OutcomeReplied}
}

func newPipeline(t *testing.T, cfg config.Config, deps Deps) *Pipeline {
	t.Helper()
	p, err := New(cfg, deps, newLogger())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func samePath(got []Phase, want ...Phase) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestDirectAnswer(t *testing.T) {
	gen := &fakeGenerator{reply: llm.Reply{Content: "Hi there"}}
	synth := &fakeSynth{}
	p := newPipeline(t, config.Default(), Deps{Recognizer: fakeRecognizer{text: " hello "}, Generator: gen, Synthesizer: synth})

	res := p.Run(context.Background(), []byte{1, 2})
	if res.Outcome != OutcomeSpoken || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if !samePath(res.Path, PhaseTranscribe, PhaseReason, PhaseSynthesize) {
		t.Fatalf("unexpected path %v", res.Path)
	}
	if gen.last.Prompt != "hello" || gen.last.System != config.Default().LLM.Instruction {
		t.Fatalf("unexpected request %+v", gen.last)
	}
	if len(gen.last.Tools) == 0 {
		t.Fatal("tool definitions should be offered to the generator")
	}
	if got := synth.spoken(); len(got) != 1 || got[0] != "Hi there" {
		t.Fatalf("unexpected synthesis input %v", got)
	}
	if string(res.Speech.Audio) != "RIFFHi there" || res.Transcript != "hello" || res.Reply != "Hi there" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEmptyTranscriptShortCircuits(t *testing.T) {
	for _, text := range []string{"", "   ", "[BLANK_AUDIO]"} {
		cfg := config.Default()
		cfg.STT.NoSpeechMarkers = []string{"[BLANK_AUDIO]"}
		gen := &fakeGenerator{reply: llm.Reply{Content: "unused"}}
		synth := &fakeSynth{}
		p := newPipeline(t, cfg, Deps{Recognizer: fakeRecognizer{text: text}, Generator: gen, Synthesizer: synth})

		res := p.Run(context.Background(), []byte{1, 2})
		if res.Outcome != OutcomeNoSpeech || !samePath(res.Path, PhaseTranscribe) {
			t.Fatalf("%q: unexpected result %+v", text, res)
		}
		if gen.calls.Load() != 0 || len(synth.spoken()) != 0 || len(res.Tools) != 0 || len(res.Speech.Audio) != 0 {
			t.Fatalf("%q: nothing should run after an empty transcript", text)
		}
	}
}

func TestRecognitionFailureFeedsCannedTextToReason(t *testing.T) {
	cfg := config.Default()
	gen := &fakeGenerator{reply: llm.Reply{Content: "llm answer"}}
	synth := &fakeSynth{}
	p := newPipeline(t, cfg, Deps{Recognizer: fakeRecognizer{err: errors.New("stt down")}, Generator: gen, Synthesizer: synth})

	res := p.Run(context.Background(), []byte{1, 2})
	if res.Outcome != OutcomeSpoken || !samePath(res.Path, PhaseTranscribe, PhaseReason, PhaseSynthesize) {
		t.Fatalf("recognition failure must still respond through reasoning, got %+v", res)
	}
	if gen.calls.Load() != 1 || gen.last.Prompt != cfg.Pipeline.RecognitionFailedText {
		t.Fatalf("reasoning should receive the canned text, got %d calls prompt %q", gen.calls.Load(), gen.last.Prompt)
	}
	if got := synth.spoken(); len(got) != 1 || got[0] != "llm answer" {
		t.Fatalf("unexpected synthesis input %v", got)
	}
}

func TestRecognitionAndReasoningFailureSpeaksApology(t *testing.T) {
	cfg := config.Default()
	synth := &fakeSynth{}
	p := newPipeline(t, cfg, Deps{
		Recognizer:  fakeRecognizer{err: errors.New("stt down")},
		Generator:   &fakeGenerator{err: errors.New("llm down")},
		Synthesizer: synth,
	})

	res := p.Run(context.Background(), []byte{1, 2})
	if got := synth.spoken(); res.Outcome != OutcomeSpoken || len(got) != 1 || got[0] != cfg.Pipeline.ApologyText {
		t.Fatalf("unexpected result %+v spoken=%v", res, got)
	}
}

func TestStageTimeoutDegrades(t *testing.T) {
	cfg := config.Default()
	cfg.STT.TimeoutMS = 50
	gen := &fakeGenerator{reply: llm.Reply{Content: "Please say that again."}}
	synth := &fakeSynth{}
	p := newPipeline(t, cfg, Deps{Recognizer: fakeRecognizer{wait: true}, Generator: gen, Synthesizer: synth})

	start := time.Now()
	res := p.Run(context.Background(), []byte{1, 2})
	if time.Since(start) > 2*time.Second {
		t.Fatal("stage deadline not enforced")
	}
	if gen.last.Prompt != cfg.Pipeline.RecognitionFailedText {
		t.Fatalf("timed out transcription should hand the canned text to reasoning, got %q", gen.last.Prompt)
	}
	if got := synth.spoken(); res.Outcome != OutcomeSpoken || len(got) != 1 || got[0] != "Please say that again." {
		t.Fatalf("unexpected result %+v spoken=%v", res, got)
	}
}

func TestReasoningFailureSpeaksApology(t *testing.T) {
	cfg := config.Default()
	synth := &fakeSynth{}
	p := newPipeline(t, cfg, Deps{
		Recognizer:  fakeRecognizer{text: "hello"},
		Generator:   &fakeGenerator{err: errors.New("llm down")},
		Synthesizer: synth,
	})

	res := p.Run(context.Background(), []byte{1})
	if got := synth.spoken(); res.Outcome != OutcomeSpoken || got[0] != cfg.Pipeline.ApologyText {
		t.Fatalf("unexpected result %+v spoken=%v", res, got)
	}
}

func TestSynthesisFailureIsFatal(t *testing.T) {
	p := newPipeline(t, config.Default(), Deps{
		Recognizer:  fakeRecognizer{text: "hello"},
		Generator:   &fakeGenerator{reply: llm.Reply{Content: "hi"}},
		Synthesizer: &fakeSynth{err: errors.New("voice missing")},
	})

	res := p.Run(context.Background(), []byte{1})
	if res.Outcome != OutcomeFailed || !errors.Is(res.Err, ErrSynthesis) {
		t.Fatalf("expected synthesis failure, got %+v", res)
	}
	if len(res.Speech.Audio) != 0 {
		t.Fatal("failed run must carry no audio")
	}
}

func TestToolResultsFollowIssueOrder(t *testing.T) {
	gen := &fakeGenerator{reply: llm.Reply{ToolCalls: []protocol.ToolCall{
		{ID: "a", Name: "get_time"},
		{ID: "b", Name: "get_weather"},
		{ID: "c", Name: "set_timer"},
	}}}
	toolsFake := &fakeTools{
		replies: map[string]string{"get_time": "A", "get_weather": "B", "set_timer": "C"},
		delays:  map[string]time.Duration{"get_time": 60 * time.Millisecond, "get_weather": 120 * time.Millisecond},
	}
	synth := &fakeSynth{}
	p := newPipeline(t, config.Default(), Deps{Recognizer: fakeRecognizer{text: "do things"}, Generator: gen, Synthesizer: synth, Tools: toolsFake})

	res := p.Run(context.Background(), []byte{1})
	if !samePath(res.Path, PhaseTranscribe, PhaseReason, PhaseToolDispatch, PhaseSynthesize) {
		t.Fatalf("unexpected path %v", res.Path)
	}
	if toolsFake.order[0] != "set_timer" || toolsFake.order[2] != "get_weather" {
		t.Fatalf("completion order was not forced: %v", toolsFake.order)
	}
	if got := synth.spoken(); got[0] != "A\nB\nC" {
		t.Fatalf("unexpected assembled text %q", got[0])
	}
	if len(res.Tools) != 3 || res.Tools[0] != "get_time" {
		t.Fatalf("unexpected tools %v", res.Tools)
	}
}

func TestToolsRunConcurrently(t *testing.T) {
	var calls []protocol.ToolCall
	delays := map[string]time.Duration{}
	replies := map[string]string{}
	for _, name := range []string{"get_time", "get_weather", "set_timer", "call_contact"} {
		calls = append(calls, protocol.ToolCall{Name: name})
		delays[name] = 200 * time.Millisecond
		replies[name] = name
	}
	p := newPipeline(t, config.Default(), Deps{
		Recognizer:  fakeRecognizer{text: "x"},
		Generator:   &fakeGenerator{reply: llm.Reply{ToolCalls: calls}},
		Synthesizer: &fakeSynth{},
		Tools:       &fakeTools{replies: replies, delays: delays},
	})

	start := time.Now()
	p.Run(context.Background(), []byte{1})
	if elapsed := time.Since(start); elapsed > 700*time.Millisecond {
		t.Fatalf("tool calls ran sequentially: %v", elapsed)
	}
}

func TestUnknownToolDoesNotAbortSiblings(t *testing.T) {
	synth := &fakeSynth{}
	p := newPipeline(t, config.Default(), Deps{
		Recognizer: fakeRecognizer{text: "x"},
		Generator: &fakeGenerator{reply: llm.Reply{ToolCalls: []protocol.ToolCall{
			{ID: "1", Name: "open_garage"},
			{ID: "2", Name: "get_time"},
		}}},
		Synthesizer: synth,
		Tools:       &fakeTools{replies: map[string]string{"get_time": "noon"}},
	})

	p.Run(context.Background(), []byte{1})
	if got := synth.spoken(); got[0] != "tool open_garage not found\nnoon" {
		t.Fatalf("unexpected text %q", got[0])
	}
}

func TestEmptyToolResultsSpeakDoneText(t *testing.T) {
	cfg := config.Default()
	synth := &fakeSynth{}
	p := newPipeline(t, cfg, Deps{
		Recognizer:  fakeRecognizer{text: "x"},
		Generator:   &fakeGenerator{reply: llm.Reply{ToolCalls: []protocol.ToolCall{{ID: "1", Name: "set_timer"}}}},
		Synthesizer: synth,
		Tools:       &fakeTools{replies: map[string]string{"set_timer": "  "}},
	})

	p.Run(context.Background(), []byte{1})
	if got := synth.spoken(); got[0] != cfg.Pipeline.ToolDoneText {
		t.Fatalf("unexpected text %q", got[0])
	}
}

func TestToolCommentaryFollowsResults(t *testing.T) {
	cases := []struct {
		name       string
		commentary string
		want       string
	}{
		{name: "appended", commentary: "Anything else?", want: "A\nB\nAnything else?"},
		{name: "repeats result", commentary: "Done: B", want: "A\nB"},
		{name: "empty", commentary: "", want: "A\nB"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			synth := &fakeSynth{}
			p := newPipeline(t, config.Default(), Deps{
				Recognizer: fakeRecognizer{text: "x"},
				Generator: &fakeGenerator{reply: llm.Reply{Content: tc.commentary, ToolCalls: []protocol.ToolCall{
					{ID: "1", Name: "get_time"},
					{ID: "2", Name: "get_weather"},
				}}},
				Synthesizer: synth,
				Tools:       &fakeTools{replies: map[string]string{"get_time": "A", "get_weather": "B"}},
			})

			p.Run(context.Background(), []byte{1})
			if got := synth.spoken(); got[0] != tc.want {
				t.Fatalf("unexpected text %q", got[0])
			}
		})
	}
}

func TestAppendCommentary(t *testing.T) {
	results := map[string]string{"1": "It is noon"}
	if got := appendCommentary("", "Sure.", map[string]string{"1": " "}, "\n"); got != "Sure." {
		t.Fatalf("commentary alone should be spoken, got %q", got)
	}
	if got := appendCommentary("It is noon", "It is noon, by the way.", results, "\n"); got != "It is noon" {
		t.Fatalf("repeated result should be dropped, got %q", got)
	}
}

func TestExtractedToolCalls(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.ExtractTools = true
	synth := &fakeSynth{}
	p := newPipeline(t, cfg, Deps{
		Recognizer:  fakeRecognizer{text: "What time is it?"},
		Generator:   &fakeGenerator{reply: llm.Reply{Content: "Let me check."}},
		Synthesizer: synth,
		Tools:       &fakeTools{replies: map[string]string{"get_time": "It is noon"}},
	})

	res := p.Run(context.Background(), []byte{1})
	if len(res.Tools) != 1 || res.Tools[0] != "get_time" {
		t.Fatalf("expected extracted get_time, got %v", res.Tools)
	}
	if got := synth.spoken(); got[0] != "It is noon" {
		t.Fatalf("single tool result should be spoken verbatim, got %q", got[0])
	}
}

func TestReplyCache(t *testing.T) {
	c, err := cache.New(10)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	gen := &fakeGenerator{reply: llm.Reply{Content: `{"content":"cached answer"}`}}
	synth := &fakeSynth{}
	p := newPipeline(t, config.Default(), Deps{Recognizer: fakeRecognizer{text: "hello"}, Generator: gen, Synthesizer: synth, Cache: c})

	p.Run(context.Background(), []byte{1})
	p.Run(context.Background(), []byte{1})
	if gen.calls.Load() != 1 {
		t.Fatalf("second identical request should hit the cache, generator calls=%d", gen.calls.Load())
	}
	if got := synth.spoken(); got[0] != "cached answer" || got[1] != "cached answer" {
		t.Fatalf("unexpected spoken text %v", got)
	}
}

func TestToolRepliesAreNotCached(t *testing.T) {
	c, _ := cache.New(10)
	gen := &fakeGenerator{reply: llm.Reply{ToolCalls: []protocol.ToolCall{{ID: "1", Name: "get_time"}}}}
	p := newPipeline(t, config.Default(), Deps{
		Recognizer:  fakeRecognizer{text: "time?"},
		Generator:   gen,
		Synthesizer: &fakeSynth{},
		Tools:       &fakeTools{replies: map[string]string{"get_time": "noon"}},
		Cache:       c,
	})

	p.Run(context.Background(), []byte{1})
	p.Run(context.Background(), []byte{1})
	if gen.calls.Load() != 2 || c.Len() != 0 {
		t.Fatalf("tool replies must not be cached: calls=%d len=%d", gen.calls.Load(), c.Len())
	}
}

func TestEmptyReplyEndsWithoutSpeech(t *testing.T) {
	synth := &fakeSynth{}
	p := newPipeline(t, config.Default(), Deps{
		Recognizer:  fakeRecognizer{text: "hmm"},
		Generator:   &fakeGenerator{reply: llm.Reply{Content: "  "}},
		Synthesizer: synth,
	})

	res := p.Run(context.Background(), []byte{1})
	if res.Outcome != OutcomeNoSpeech || len(synth.spoken()) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAssemble(t *testing.T) {
	calls := []protocol.ToolCall{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	cases := []struct {
		results map[string]string
		want    string
	}{
		{map[string]string{"c": "3", "a": "1", "b": "2"}, "1 | 2 | 3"},
		{map[string]string{"b": "only"}, "only"},
		{map[string]string{"a": "", "b": " ", "c": "z"}, "z"},
		{map[string]string{}, ""},
	}
	for _, tc := range cases {
		if got := Assemble(calls, tc.results, " | "); got != tc.want {
			t.Fatalf("Assemble(%v) = %q, want %q", tc.results, got, tc.want)
		}
	}
}

func TestNormalizeCalls(t *testing.T) {
	calls := normalizeCalls([]protocol.ToolCall{{ID: "x"}, {ID: "x"}, {}})
	if calls[0].ID != "x" || calls[1].ID != "call_1" || calls[2].ID != "call_2" {
		t.Fatalf("unexpected ids %+v", calls)
	}
}

func TestNewRequiresBackends(t *testing.T) {
	if _, err := New(config.Default(), Deps{}, newLogger()); err == nil {
		t.Fatal("expected error without backends")
	}
}
