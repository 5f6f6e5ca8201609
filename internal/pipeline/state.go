package pipeline

import (
	"time"

	"github.com/loqalabs/loqa-dialog/internal/protocol"
	"github.com/loqalabs/loqa-dialog/internal/tts"
)

// Phase names a step of the request state machine.
type Phase string

const (
	PhaseTranscribe   Phase = "transcribe"
	PhaseReason       Phase = "reason"
	PhaseToolDispatch Phase = "tool_dispatch"
	PhaseSynthesize   Phase = "synthesize"
	PhaseDone         Phase = "done"
)

// Status is how a stage ended.
type Status int

const (
	StatusOK Status = iota
	// StatusEmpty means the stage succeeded with nothing to pass on.
	StatusEmpty
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEmpty:
		return "empty"
	default:
		return "failed"
	}
}

// StageResult is returned by every stage; the state machine branches on Status.
type StageResult struct {
	Status Status
	Err    error
}

func ok() StageResult              { return StageResult{Status: StatusOK} }
func empty() StageResult           { return StageResult{Status: StatusEmpty} }
func failed(err error) StageResult { return StageResult{Status: StatusFailed, Err: err} }

// State is the record a request carries between stages. Text is the input of the next
// text-driven stage: the transcript before Reason, the utterance to speak after it.
type State struct {
	Audio       []byte
	Transcript  string
	Text        string
	ToolCalls   []protocol.ToolCall
	ToolResults map[string]string

	// Commentary is the model's own text sent alongside the tool calls it issued.
	Commentary string
	Speech     tts.Speech
}

// Outcome summarises a finished run for the connection.
type Outcome string

const (
	OutcomeSpoken   Outcome = "spoken"
	OutcomeNoSpeech Outcome = "no_speech"
	OutcomeFailed   Outcome = "failed"
)

type Result struct {
	Outcome    Outcome
	Transcript string
	Reply      string
	Tools      []string
	Speech     tts.Speech
	Path       []Phase
	Latency    time.Duration
	Err        error
}
