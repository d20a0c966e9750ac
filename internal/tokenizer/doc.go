// Package tokenizer provides the text vocabularies that learned token
// embeddings are patched into.
//
// Implementations:
//   - TikToken: BPE encodings from pkoukk/tiktoken-go (cl100k_base, p50k_base)
//   - BPETokenizer: pure Go BPE loaded from a HuggingFace tokenizer.json,
//     including the "</w>" end-of-word suffix used by CLIP text encoders
//   - AddedVocab: an added-token table layered on any Tokenizer; new tokens
//     receive IDs after the base vocabulary and are matched before the base
//     encoder sees the text
//
// Example usage:
//
//	base, err := tokenizer.LoadBPEFromHuggingFace("tokenizer.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vocab := tokenizer.NewAddedVocab(base)
//	vocab.AddTokens("<sks>")
//	ids, err := vocab.Encode("a photo of <sks>")
package tokenizer
