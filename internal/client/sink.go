package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/wavio"
)

// FileSink stores reply audio as numbered files in a directory.
type FileSink struct {
	dir string

	mu sync.Mutex
	n  int
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Save writes one reply and returns its path. WAV payloads get a .wav suffix, anything
// else is assumed to be Ogg.
func (s *FileSink) Save(audio []byte) (string, error) {
	s.mu.Lock()
	s.n++
	n := s.n
	s.mu.Unlock()

	ext := ".ogg"
	if IsWAV(audio) {
		ext = ".wav"
	}
	name := fmt.Sprintf("reply-%s-%03d%s", time.Now().Format("20060102-150405"), n, ext)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("write reply: %w", err)
	}
	return path, nil
}

func IsWAV(audio []byte) bool {
	return wavio.IsWAV(audio)
}
