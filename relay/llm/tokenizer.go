package llm

import (
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts and trims text with the BPE encoding of a chat model.
type Tokenizer struct {
	enc   *tiktoken.Tiktoken
	model string
}

// NewTokenizer loads the encoding used by model. Unknown models are an
// error so the prompt budget is never computed with the wrong encoding.
func NewTokenizer(model string) (*Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("no tokenizer for model %q: %w", model, err)
	}
	return &Tokenizer{enc: enc, model: model}, nil
}

// NewTokenizerForEncoding loads a named encoding such as "cl100k_base".
func NewTokenizerForEncoding(encoding string) (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &Tokenizer{enc: enc, model: encoding}, nil
}

// Count returns the number of tokens in text. Special token markers in user
// text are counted as ordinary text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.EncodeOrdinary(text))
}

// TruncateToTrailingTokens keeps the last n tokens of text. A multi-byte
// character cut at the start of the window is dropped.
func (t *Tokenizer) TruncateToTrailingTokens(text string, n int) string {
	if n <= 0 {
		return ""
	}
	tokens := t.enc.EncodeOrdinary(text)
	if len(tokens) <= n {
		return text
	}
	return strings.ToValidUTF8(t.enc.Decode(tokens[len(tokens)-n:]), "")
}

// EncodingName resolves the encoding model uses without loading it.
func EncodingName(model string) (string, bool) {
	if name, ok := tiktoken.MODEL_TO_ENCODING[model]; ok {
		return name, true
	}
	for prefix, name := range tiktoken.MODEL_PREFIX_TO_ENCODING {
		if strings.HasPrefix(model, prefix) {
			return name, true
		}
	}
	return "", false
}

func (t *Tokenizer) Model() string { return t.model }

// Ensure Tokenizer implements the Tokenizer interface.
var _ ports.Tokenizer = (*Tokenizer)(nil)
