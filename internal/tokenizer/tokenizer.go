package tokenizer

import (
	"github.com/pkg/errors"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	// Encode converts text to token IDs.
	Encode(text string) ([]int32, error)

	// Decode converts token IDs back to text.
	Decode(tokens []int32) (string, error)

	// VocabSize returns the number of distinct ids Encode can produce,
	// special tokens included.
	VocabSize() int

	// EosToken returns the end-of-sequence token ID, -1 if there is none.
	EosToken() int32

	// Name identifies the tokenizer in logs and flags.
	Name() string
}

// New returns the tokenizer called name: "bytes" or a tiktoken encoding.
func New(name string) (Tokenizer, error) {
	if name == BytesName {
		return Bytes{}, nil
	}
	tok, err := NewTikToken(name)
	if err != nil {
		return nil, errors.Wrapf(err, "tokenizer %q", name)
	}
	return tok, nil
}

// CheckVocab fails when tok can produce ids outside a model vocabulary of
// vocabSize entries.
func CheckVocab(tok Tokenizer, vocabSize int) error {
	if tok.VocabSize() > vocabSize {
		return errors.Errorf("tokenizer %s produces %d ids, the model vocabulary has %d", tok.Name(), tok.VocabSize(), vocabSize)
	}
	return nil
}
