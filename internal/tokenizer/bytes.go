package tokenizer

import (
	"github.com/pkg/errors"
)

// BytesName is the name of the byte tokenizer.
const BytesName = "bytes"

// Bytes encodes every byte of the UTF-8 text as its own token. Id 256 is
// the end-of-text token.
type Bytes struct{}

const bytesEOS = 256

// Encode implements Tokenizer.
func (Bytes) Encode(text string) ([]int32, error) {
	out := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int32(text[i])
	}
	return out, nil
}

// Decode implements Tokenizer. The end-of-text token decodes to nothing.
func (Bytes) Decode(tokens []int32) (string, error) {
	buf := make([]byte, 0, len(tokens))
	for _, t := range tokens {
		switch {
		case t == bytesEOS:
		case t < 0 || t > 255:
			return "", errors.Errorf("token %d is not a byte", t)
		default:
			buf = append(buf, byte(t))
		}
	}
	return string(buf), nil
}

// VocabSize implements Tokenizer.
func (Bytes) VocabSize() int { return 257 }

// EosToken implements Tokenizer.
func (Bytes) EosToken() int32 { return bytesEOS }

// Name implements Tokenizer.
func (Bytes) Name() string { return BytesName }
