// Package tokenizer turns prompts into token ids and back for the
// generation command.
//
// Two tokenizers are provided:
//   - TikToken: the BPE encodings of pkoukk/tiktoken-go (cl100k_base,
//     p50k_base, r50k_base). Encodings are fetched on first use.
//   - Bytes: one token per byte plus an end-of-text token, for models with
//     tiny vocabularies.
//
// Example:
//
//	tok, err := tokenizer.NewTikToken("cl100k_base")
//	if err != nil {
//	    return err
//	}
//	ids, _ := tok.Encode("Hello, world!")
//	text, _ := tok.Decode(ids)
package tokenizer
