// Package bytetok implements a minimal byte-level Tokenizer
// (generator.Tokenizer): each byte of UTF-8 input becomes one token in
// [0,256), plus three reserved special-token ids above that range.
//
// Tokenizer internals (BPE merges, vocabulary training, normalization)
// are explicitly out of scope for this runtime (spec.md §1: "tokenizer
// internals remain collaborators specified only at their interface") —
// this package exists only to give cmd and httpapi a concrete,
// dependency-free Tokenizer to construct a generator.Session against,
// the same role file_tokenizer.go's GGUFTokenizer metadata plays for the
// gguf-parser-go reference: a stand-in that reports BOS/EOS/pad ids
// without implementing an actual subword model.
package bytetok

import (
	"fmt"
	"strings"

	"github.com/ignite-run/ignite/generator"
)

const (
	numByteTokens = 256
	// BOS/EOS/Pad occupy the three ids immediately above the byte range.
	bosID = uint32(numByteTokens)
	eosID = uint32(numByteTokens + 1)
	padID = uint32(numByteTokens + 2)
	// VocabSize must cover every id Encode/Decode can produce.
	vocabSize = numByteTokens + 3
)

// Tokenizer is a stateless byte-level generator.Tokenizer.
type Tokenizer struct{}

// New constructs a byte-level Tokenizer. There is no configuration: the
// vocabulary is fixed at 256 byte tokens plus BOS/EOS/Pad.
func New() Tokenizer { return Tokenizer{} }

func (Tokenizer) Encode(text string) ([]uint32, error) {
	b := []byte(text)
	ids := make([]uint32, len(b))
	for i, c := range b {
		ids[i] = uint32(c)
	}
	return ids, nil
}

func (Tokenizer) Decode(ids []uint32, skipSpecial bool, stripSpaces bool) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		switch {
		case id < numByteTokens:
			sb.WriteByte(byte(id))
		case id == bosID || id == eosID || id == padID:
			if !skipSpecial {
				return "", fmt.Errorf("bytetok: decode: special token %d has no text representation", id)
			}
		default:
			return "", fmt.Errorf("bytetok: decode: token id %d out of range [0,%d)", id, vocabSize)
		}
	}
	out := sb.String()
	if stripSpaces {
		out = strings.TrimSpace(out)
	}
	return out, nil
}

func (Tokenizer) SpecialTokens() generator.SpecialTokens {
	bos, eos, pad := bosID, eosID, padID
	return generator.SpecialTokens{BOS: &bos, EOS: &eos, Pad: &pad}
}

func (Tokenizer) VocabSize() uint32 { return vocabSize }
