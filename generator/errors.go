package generator

import "errors"

// Sentinel errors corresponding to spec.md §6's exit/status codes that
// the generator package itself can raise (the others — InvalidManifest,
// ModelNotFound, IntegrityFailure, BaseModelMismatch — belong to the
// manifest/weights/lora packages).
var (
	// ErrGenerationInProgress is returned when Generate/PrefillKVOnly is
	// called on a Session that is already running a generation (spec.md
	// §4.10: "re-entrant calls on the same session throw
	// GenerationInProgress rather than queueing").
	ErrGenerationInProgress = errors.New("generator: generation already in progress")

	// ErrIntentDrift is returned when the optional intent-bundle guard's
	// post-prefill top-K comparison exceeds its configured drift
	// threshold (spec.md §4.10).
	ErrIntentDrift = errors.New("generator: prefill top-K drift exceeds threshold")

	// ErrCancelled names the "Cancelled" status (spec.md §6). Session does
	// not return it: a generation whose context is cancelled ends with an
	// ItemEnd whose StopReason is StopCancelled.
	ErrCancelled = errors.New("generator: generation cancelled")
)
