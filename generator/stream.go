package generator

// ItemKind tags a streamed Item (spec.md §9 design note: "bounded-channel
// token-stream producer with typed Item = Token(id,text) | End(stats) |
// Error(kind)").
type ItemKind int

const (
	ItemToken ItemKind = iota
	ItemEnd
	ItemError
)

// Item is one element of a generation's output stream.
type Item struct {
	Kind ItemKind

	// Valid when Kind == ItemToken.
	TokenID uint32
	Text    string

	// Valid when Kind == ItemEnd.
	Stats Stats

	// Valid when Kind == ItemError.
	Err error
}

// Stats summarizes a completed (or cancelled) generation.
type Stats struct {
	TokensGenerated int
	PromptTokens    int
	StopReason      StopReason
	MatchedStop     string // the literal stop sequence matched, if StopReason == StopSequence
}

// StopReason records why a generation ended (spec.md §4.10 stop
// conditions).
type StopReason int

const (
	StopMaxTokens StopReason = iota
	StopTokenID
	StopSequence
	StopCancelled
	StopError
)

// GenerateOptions configures one call to Generate/GenerateWithPrefixKV
// (spec.md §4.9 sampler contract, §4.10 stop conditions and intent-bundle
// guard).
type GenerateOptions struct {
	Temperature        float64
	TopK               int
	TopP               float64
	MinP               float64
	RepetitionPenalty  float64
	Seed               int64

	MaxTokens     int
	StopSequences []string
	StopTokenIDs  []uint32

	// ExpectedTopK, when non-empty, is compared against the prefill
	// step's top-K token ids; a symmetric-difference ratio above
	// DriftThreshold fails the call with ErrIntentDrift (spec.md §4.10
	// intent-bundle guard). A nil/empty slice disables the guard.
	ExpectedTopK  []uint32
	DriftThreshold float64
}
