package orchestrator

import (
	"strings"
	"unicode/utf8"
)

// flushPunct holds the runes that end a natural speech unit. A delta whose
// last rune is one of these flushes the buffer even below the minimum
// length, so short interjections ("你好，") reach the synthesizer without
// waiting for more text.
const flushPunct = "，。！？；：,.!?;\n"

// Segmenter accumulates LLM text deltas and cuts them into units sized for
// incremental synthesis. It is owned by a single goroutine; the chat loop
// feeds it deltas in arrival order and forwards each returned unit to the
// TTS bridge.
type Segmenter struct {
	minChars int
	onPunct  bool

	buf   strings.Builder
	runes int
}

// NewSegmenter returns a segmenter that flushes once the buffer reaches
// minChars runes, or earlier on unit-ending punctuation when onPunct is
// set. A non-positive minChars falls back to 12.
func NewSegmenter(minChars int, onPunct bool) *Segmenter {
	if minChars <= 0 {
		minChars = 12
	}
	return &Segmenter{minChars: minChars, onPunct: onPunct}
}

// Write appends one delta to the buffer and reports the flushed unit, if
// any. The length check runs first; punctuation only matters when the
// delta's own final rune is a unit terminator, so punctuation buried
// mid-delta does not cut the buffer early.
func (s *Segmenter) Write(delta string) (unit string, ok bool) {
	if delta == "" {
		return "", false
	}
	s.buf.WriteString(delta)
	s.runes += utf8.RuneCountInString(delta)

	if s.runes >= s.minChars {
		return s.take(), true
	}
	if s.onPunct {
		if r, _ := utf8.DecodeLastRuneInString(delta); strings.ContainsRune(flushPunct, r) {
			return s.take(), true
		}
	}
	return "", false
}

// Flush returns whatever remains in the buffer. Called when the LLM stream
// ends so trailing text without punctuation is still spoken.
func (s *Segmenter) Flush() (unit string, ok bool) {
	if s.runes == 0 {
		return "", false
	}
	return s.take(), true
}

// Pending reports the number of buffered runes.
func (s *Segmenter) Pending() int {
	return s.runes
}

func (s *Segmenter) take() string {
	out := s.buf.String()
	s.buf.Reset()
	s.runes = 0
	return out
}
