package tokenizer

import (
	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
	"k8s.io/klog/v2"
)

// Encoding names accepted by NewTikToken.
const (
	EncodingCL100kBase = "cl100k_base"
	EncodingP50kBase   = "p50k_base"
	EncodingR50kBase   = "r50k_base"
)

// encodingInfo holds what tiktoken-go does not expose: the size of the
// id space and the end-of-text id.
var encodingInfo = map[string]struct {
	vocab int
	eos   int32
}{
	EncodingCL100kBase: {vocab: 100277, eos: 100257},
	EncodingP50kBase:   {vocab: 50281, eos: 50256},
	EncodingR50kBase:   {vocab: 50257, eos: 50256},
}

// TikToken wraps a pkoukk/tiktoken-go encoding.
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTikToken loads the named encoding.
func NewTikToken(encodingName string) (*TikToken, error) {
	if _, ok := encodingInfo[encodingName]; !ok {
		return nil, errors.Errorf("unsupported tiktoken encoding %q", encodingName)
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, errors.Wrapf(err, "loading tiktoken encoding %q", encodingName)
	}
	klog.V(1).Infof("tokenizer: loaded tiktoken encoding %s", encodingName)
	return &TikToken{encoding: encoding, name: encodingName}, nil
}

// Encode converts text to token IDs. Special-token text is encoded as
// plain text.
func (t *TikToken) Encode(text string) ([]int32, error) {
	tokens := t.encoding.Encode(text, nil, nil)
	result := make([]int32, len(tokens))
	for i, tok := range tokens {
		result[i] = int32(tok) //nolint:gosec // ids are below VocabSize
	}
	return result, nil
}

// Decode converts token IDs back to text.
func (t *TikToken) Decode(tokens []int32) (string, error) {
	ids := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		if tok == t.EosToken() {
			continue
		}
		if tok < 0 || int(tok) >= t.VocabSize() {
			return "", errors.Errorf("token %d outside %s", tok, t.name)
		}
		ids = append(ids, int(tok))
	}
	return t.encoding.Decode(ids), nil
}

// VocabSize implements Tokenizer.
func (t *TikToken) VocabSize() int { return encodingInfo[t.name].vocab }

// EosToken returns the <|endoftext|> id.
func (t *TikToken) EosToken() int32 { return encodingInfo[t.name].eos }

// Name returns the encoding name.
func (t *TikToken) Name() string { return t.name }
