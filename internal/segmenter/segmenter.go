// Package segmenter turns a stream of fixed-size PCM frames into speech segments.
package segmenter

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/loqalabs/loqa-dialog/internal/config"
)

// Class is the voice-activity decision for one frame.
type Class int

const (
	Silence Class = iota
	Speech
)

func (c Class) String() string {
	if c == Speech {
		return "speech"
	}
	return "silence"
}

// Classifier decides whether a frame of 16-bit little-endian mono PCM contains speech.
type Classifier interface {
	Classify(frame []byte) Class
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(frame []byte) Class

func (f ClassifierFunc) Classify(frame []byte) Class { return f(frame) }

// EnergyClassifier flags a frame as speech when its RMS amplitude exceeds Threshold.
type EnergyClassifier struct {
	Threshold float64
}

func (e EnergyClassifier) Classify(frame []byte) Class {
	if RMS(frame) > e.Threshold {
		return Speech
	}
	return Silence
}

// RMS computes the root mean square of little-endian int16 samples.
func RMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Segment is one detected utterance.
type Segment struct {
	PCM        []byte
	SampleRate int
	Frames     int
}

// Options tune the endpointing thresholds.
type Options struct {
	SampleRate  int
	FrameBytes  int
	StartFrames int
	EndFrames   int
}

// OptionsFromConfig derives frame-based thresholds from millisecond settings.
func OptionsFromConfig(cfg config.SegmenterConfig) Options {
	return Options{
		SampleRate:  cfg.SampleRate,
		FrameBytes:  cfg.FrameSamples() * 2,
		StartFrames: cfg.StartFrames,
		EndFrames:   cfg.EndFrames(),
	}
}

// Segmenter is not safe for concurrent use; one capture loop owns it.
type Segmenter struct {
	classifier Classifier
	opts       Options

	inSpeech   bool
	speechRun  int
	silenceRun int
	frames     int
	buf        []byte
}

func New(classifier Classifier, opts Options) (*Segmenter, error) {
	if classifier == nil {
		return nil, errors.New("segmenter: classifier is required")
	}
	if opts.StartFrames < 1 || opts.EndFrames < 1 {
		return nil, errors.New("segmenter: start and end thresholds must be >= 1")
	}
	return &Segmenter{classifier: classifier, opts: opts}, nil
}

// Feed consumes one frame and returns a segment when it closes one.
//
// Before speech starts, speech frames are buffered and any silence frame discards them.
// Once StartFrames consecutive speech frames are seen, every frame is buffered until
// EndFrames consecutive silence frames arrive. The frame that completes the silence run
// is not part of the segment.
func (s *Segmenter) Feed(frame []byte) (Segment, bool) {
	if s.opts.FrameBytes > 0 && len(frame) != s.opts.FrameBytes {
		return Segment{}, false
	}
	speech := s.classifier.Classify(frame) == Speech

	if !s.inSpeech {
		if !speech {
			s.reset()
			return Segment{}, false
		}
		s.speechRun++
		s.append(frame)
		if s.speechRun >= s.opts.StartFrames {
			s.inSpeech = true
		}
		return Segment{}, false
	}

	if speech {
		s.silenceRun = 0
		s.append(frame)
		return Segment{}, false
	}

	s.silenceRun++
	if s.silenceRun < s.opts.EndFrames {
		s.append(frame)
		return Segment{}, false
	}

	seg := Segment{PCM: s.buf, SampleRate: s.opts.SampleRate, Frames: s.frames}
	s.buf = nil
	s.reset()
	return seg, true
}

// Flush closes an in-progress utterance, for example when the capture stream ends.
func (s *Segmenter) Flush() (Segment, bool) {
	if !s.inSpeech {
		s.reset()
		return Segment{}, false
	}
	seg := Segment{PCM: s.buf, SampleRate: s.opts.SampleRate, Frames: s.frames}
	s.buf = nil
	s.reset()
	return seg, true
}

// InSpeech reports whether an utterance is currently open.
func (s *Segmenter) InSpeech() bool {
	return s.inSpeech
}

func (s *Segmenter) append(frame []byte) {
	s.buf = append(s.buf, frame...)
	s.frames++
}

func (s *Segmenter) reset() {
	s.inSpeech = false
	s.speechRun = 0
	s.silenceRun = 0
	s.frames = 0
	s.buf = s.buf[:0]
}
