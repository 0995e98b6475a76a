package conversation

import (
	"errors"
	"iter"
	"unicode/utf8"
)

// ErrInvalidChunkLimit is returned for a chunk limit below one character.
var ErrInvalidChunkLimit = errors.New("chunk limit must be at least 1")

// Split cuts text into consecutive windows of limit characters. Windows do
// not respect word boundaries; joining them in order gives back text.
func Split(text string, limit int) ([]string, error) {
	if limit < 1 {
		return nil, ErrInvalidChunkLimit
	}
	n := utf8.RuneCountInString(text)
	chunks := make([]string, 0, (n+limit-1)/limit)
	for c := range Chunks(text, limit) {
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Chunks is the lazy form of Split. It yields nothing when limit < 1.
func Chunks(text string, limit int) iter.Seq[string] {
	return func(yield func(string) bool) {
		if limit < 1 {
			return
		}
		for len(text) > 0 {
			end, count := 0, 0
			for end < len(text) && count < limit {
				_, size := utf8.DecodeRuneInString(text[end:])
				end += size
				count++
			}
			if !yield(text[:end]) {
				return
			}
			text = text[end:]
		}
	}
}
