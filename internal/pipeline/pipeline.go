// Package pipeline runs one spoken request through transcription, reasoning, optional
// tool dispatch and synthesis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/cache"
	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/llm"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
	"github.com/loqalabs/loqa-dialog/internal/stt"
	"github.com/loqalabs/loqa-dialog/internal/tools"
	"github.com/loqalabs/loqa-dialog/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrSynthesis marks a request that produced no audio.
var ErrSynthesis = errors.New("speech synthesis failed")

// ToolInvoker runs one tool call. tools.Bridge satisfies it.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args tools.Args) tools.Result
}

// Deps are the backends a pipeline drives. Tools and Cache may be nil.
type Deps struct {
	Recognizer  stt.Recognizer
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Tools       ToolInvoker
	Cache       *cache.Cache
}

// Pipeline is safe for concurrent use by many sessions.
type Pipeline struct {
	cfg  config.Config
	deps Deps
	log  *slog.Logger

	tracer   trace.Tracer
	duration metric.Float64Histogram
	requests metric.Int64Counter
}

func New(cfg config.Config, deps Deps, log *slog.Logger) (*Pipeline, error) {
	switch {
	case deps.Recognizer == nil:
		return nil, errors.New("pipeline: recognizer is required")
	case deps.Generator == nil:
		return nil, errors.New("pipeline: generator is required")
	case deps.Synthesizer == nil:
		return nil, errors.New("pipeline: synthesizer is required")
	}
	p := &Pipeline{
		cfg:    cfg,
		deps:   deps,
		log:    log.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-dialog/internal/pipeline"),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p, nil
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-dialog/internal/pipeline")
	var err error
	p.duration, err = meter.Float64Histogram("loqa_dialog_stage_duration_seconds",
		metric.WithDescription("Latency of each pipeline stage"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	p.requests, err = meter.Int64Counter("loqa_dialog_requests_total",
		metric.WithDescription("Pipeline runs by outcome"))
	return err
}

// Run drives one request to Done. It never panics on stage failures: transcription and
// reasoning failures become canned text, and only a synthesis failure ends without audio.
func (p *Pipeline) Run(ctx context.Context, audio []byte) Result {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.Int("audio.bytes", len(audio))))
	defer span.End()

	st := &State{Audio: audio, ToolResults: map[string]string{}}
	res := p.run(ctx, st)
	res.Latency = time.Since(start)

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	if p.requests != nil {
		p.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, st *State) Result {
	res := Result{}
	phase := PhaseTranscribe
	for phase != PhaseDone {
		res.Path = append(res.Path, phase)
		var sr StageResult
		switch phase {
		case PhaseTranscribe:
			sr = p.transcribe(ctx, st)
			res.Transcript = st.Transcript
			switch sr.Status {
			case StatusEmpty:
				res.Outcome = OutcomeNoSpeech
				phase = PhaseDone
			case StatusFailed:
				// The canned text stands in for the transcript.
				st.Text = p.cfg.Pipeline.RecognitionFailedText
				phase = PhaseReason
			default:
				phase = PhaseReason
			}
		case PhaseReason:
			sr = p.reason(ctx, st)
			switch {
			case sr.Status == StatusEmpty:
				res.Outcome = OutcomeNoSpeech
				phase = PhaseDone
			case sr.Status == StatusFailed:
				st.Text = p.cfg.Pipeline.ApologyText
				phase = PhaseSynthesize
			case len(st.ToolCalls) > 0:
				phase = PhaseToolDispatch
			default:
				phase = PhaseSynthesize
			}
		case PhaseToolDispatch:
			sr = p.dispatch(ctx, st)
			for _, call := range st.ToolCalls {
				res.Tools = append(res.Tools, call.Name)
			}
			phase = PhaseSynthesize
		case PhaseSynthesize:
			sr = p.synthesize(ctx, st)
			res.Reply = st.Text
			if sr.Status == StatusOK {
				res.Outcome = OutcomeSpoken
				res.Speech = st.Speech
			} else {
				res.Outcome = OutcomeFailed
				res.Err = fmt.Errorf("%w: %v", ErrSynthesis, sr.Err)
			}
			phase = PhaseDone
		}
		if sr.Err != nil && phase != PhaseDone {
			p.log.Warn("stage degraded", slog.String("stage", string(res.Path[len(res.Path)-1])), slog.String("error", sr.Err.Error()))
		}
	}
	return res
}

func (p *Pipeline) stage(ctx context.Context, phase Phase, timeoutMS int) (context.Context, func(StageResult)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline."+string(phase))
	cancel := func() {}
	if timeoutMS > 0 {
		ctx, cancel = context.WithTimeout(ctx, config.Millis(timeoutMS))
	}
	return ctx, func(sr StageResult) {
		cancel()
		if sr.Err != nil {
			span.RecordError(sr.Err)
			span.SetStatus(codes.Error, sr.Err.Error())
		}
		span.SetAttributes(attribute.String("status", sr.Status.String()))
		span.End()
		if p.duration != nil {
			p.duration.Record(context.Background(), time.Since(start).Seconds(), metric.WithAttributes(
				attribute.String("stage", string(phase)),
				attribute.String("status", sr.Status.String()),
			))
		}
	}
}

func (p *Pipeline) transcribe(ctx context.Context, st *State) (sr StageResult) {
	ctx, done := p.stage(ctx, PhaseTranscribe, p.cfg.STT.TimeoutMS)
	defer func() { done(sr) }()

	result, err := p.deps.Recognizer.Transcribe(ctx, st.Audio, p.cfg.STT.SampleRate, p.cfg.STT.Channels)
	if err != nil {
		return failed(fmt.Errorf("transcribe: %w", err))
	}
	if stt.IsNoSpeech(result.Text, p.cfg.STT.NoSpeechMarkers) {
		return empty()
	}
	st.Transcript = strings.TrimSpace(result.Text)
	st.Text = st.Transcript
	return ok()
}

func (p *Pipeline) reason(ctx context.Context, st *State) (sr StageResult) {
	ctx, done := p.stage(ctx, PhaseReason, p.cfg.LLM.TimeoutMS)
	defer func() { done(sr) }()

	prompt := st.Text
	var reply llm.Reply
	key := cache.Fingerprint(p.cfg.LLM.Instruction, prompt)
	cached := false
	if p.deps.Cache != nil {
		if text, hit := p.deps.Cache.Get(ctx, key); hit {
			reply = llm.Reply{Content: text}
			cached = true
		}
	}
	if !cached {
		req := llm.RequestFromConfig(p.cfg.LLM, prompt)
		req.Tools = tools.Definitions()
		var err error
		reply, err = p.deps.Generator.Generate(ctx, req)
		if err != nil {
			return failed(fmt.Errorf("reason: %w", err))
		}
		// Replies that asked for tools depend on tool results, so only plain answers are kept.
		if p.deps.Cache != nil && len(reply.ToolCalls) == 0 && strings.TrimSpace(reply.Content) != "" {
			p.deps.Cache.Put(key, reply.Content)
		}
	}

	calls := reply.ToolCalls
	if len(calls) == 0 && p.cfg.LLM.ExtractTools {
		calls = tools.ExtractCalls(prompt)
	}
	st.ToolCalls = normalizeCalls(calls)
	st.Text = strings.TrimSpace(llm.PlainText(reply.Content))
	if len(reply.ToolCalls) > 0 {
		st.Commentary = st.Text
	}
	if st.Text == "" && len(st.ToolCalls) == 0 {
		return empty()
	}
	return ok()
}

// normalizeCalls gives every call a distinct id so results can be addressed by id.
func normalizeCalls(calls []protocol.ToolCall) []protocol.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(calls))
	out := make([]protocol.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" || seen[call.ID] {
			call.ID = fmt.Sprintf("call_%d", i)
			for seen[call.ID] {
				call.ID += "_"
			}
		}
		seen[call.ID] = true
		out[i] = call
	}
	return out
}

func (p *Pipeline) dispatch(ctx context.Context, st *State) (sr StageResult) {
	ctx, done := p.stage(ctx, PhaseToolDispatch, 0)
	defer func() { done(sr) }()

	if p.deps.Tools == nil {
		st.Text = p.cfg.Pipeline.ToolDoneText
		return failed(errors.New("tool bridge not configured"))
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, call := range st.ToolCalls {
		g.Go(func() error {
			result := p.deps.Tools.Invoke(ctx, call.Name, tools.Args(call.Arguments))
			if result.Err != nil {
				p.log.Debug("tool degraded",
					slog.String("tool", call.Name),
					slog.String("outcome", string(result.Outcome)),
					slog.String("error", result.Err.Error()))
			}
			mu.Lock()
			st.ToolResults[call.ID] = result.Text
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	st.Text = Assemble(st.ToolCalls, st.ToolResults, p.cfg.Pipeline.ResultSeparator)
	st.Text = appendCommentary(st.Text, st.Commentary, st.ToolResults, p.cfg.Pipeline.ResultSeparator)
	if st.Text == "" {
		st.Text = p.cfg.Pipeline.ToolDoneText
	}
	return ok()
}

// Assemble joins the non-empty results in the order the calls were issued. A single
// result is returned verbatim.
func Assemble(calls []protocol.ToolCall, results map[string]string, sep string) string {
	var parts []string
	for _, call := range calls {
		if text := results[call.ID]; strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts, sep)
}

// appendCommentary adds the model's text after the tool results unless it already
// repeats one of them.
func appendCommentary(assembled, commentary string, results map[string]string, sep string) string {
	if commentary == "" {
		return assembled
	}
	for _, text := range results {
		if text = strings.TrimSpace(text); text != "" && strings.Contains(commentary, text) {
			return assembled
		}
	}
	if assembled == "" {
		return commentary
	}
	return assembled + sep + commentary
}

func (p *Pipeline) synthesize(ctx context.Context, st *State) (sr StageResult) {
	ctx, done := p.stage(ctx, PhaseSynthesize, p.cfg.TTS.TimeoutMS)
	defer func() { done(sr) }()

	speech, err := p.deps.Synthesizer.Synthesize(ctx, tts.SynthRequest{Text: st.Text, Voice: p.cfg.TTS.Voice})
	if err != nil {
		return failed(err)
	}
	if len(speech.Audio) == 0 {
		return failed(tts.ErrNoAudio)
	}
	st.Speech = speech
	return ok()
}
