package generator

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/ignite-run/ignite/kernel"
	"github.com/ignite-run/ignite/kvcache"
	"github.com/ignite-run/ignite/layer"
	"github.com/ignite-run/ignite/logits"
	"github.com/ignite-run/ignite/sampler"
)

// Snapshot is a cloned, independently-owned prefix the caller can reuse
// across many GenerateWithPrefixKV calls without consuming it (spec.md
// §4.10 "prefix may be reused across many calls because it is cloned,
// not consumed").
type Snapshot struct {
	cache  *kvcache.Snapshot
	tokens []uint32
}

// SeqLen returns the number of cached positions captured in the
// snapshot.
func (s *Snapshot) SeqLen() int { return s.cache.SeqLen() }

// Tokens returns the prompt token ids that produced this snapshot.
func (s *Snapshot) Tokens() []uint32 { return s.tokens }

func resolveFinalNormAndHead(s *Session) (kernel.Weight, kernel.Weight, error) {
	finalNorm, err := s.cfg.Weights.MustGet("final_norm")
	if err != nil {
		return nil, nil, err
	}
	headName := "lm_head"
	if s.cfg.Manifest.Architecture.UseTiedEmbeddings {
		headName = "embed"
	}
	head, err := s.cfg.Weights.MustGet(headName)
	if err != nil {
		return nil, nil, err
	}
	return finalNorm, head, nil
}

// acquire enforces spec.md §4.10's re-entrancy rule: a session already
// running a generation rejects a second call rather than queueing it.
// Modeled on the teacher's runner_model.go capacity semaphore
// (s.seqsSem), sized to 1 since a Session owns exactly one KV cache.
func (s *Session) acquire() error {
	if !s.sem.TryAcquire(1) {
		return ErrGenerationInProgress
	}
	return nil
}

func (s *Session) release() { s.sem.Release(1) }

// PrefillKVOnly runs the prompt through every layer, appending to the
// session's KV cache, and returns an independent snapshot of the result
// without sampling or streaming any tokens (spec.md §4.10 "prefillKVOnly
// returns {cache, seqLen, tokens}").
func (s *Session) PrefillKVOnly(ctx context.Context, prompt string) (*Snapshot, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	ids, err := s.cfg.Tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("generator: encode: %w", err)
	}

	lookup, err := s.currentLookup()
	if err != nil {
		return nil, err
	}

	rec := s.cfg.Device.CreateCommandRecorder("prefill")
	if _, err := s.embedAndForward(rec, ids, lookup); err != nil {
		return nil, err
	}
	rec.Submit()

	return &Snapshot{cache: s.cache.Clone(), tokens: append([]uint32(nil), ids...)}, nil
}

// Generate runs the full pipeline against a fresh KV cache (spec.md
// §4.10 generate(prompt, opts)).
func (s *Session) Generate(ctx context.Context, prompt string, opts GenerateOptions) (<-chan Item, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}

	ids, err := s.cfg.Tokenizer.Encode(prompt)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("generator: encode: %w", err)
	}
	s.cache.Clear()

	ch := make(chan Item, 8)
	go s.run(ctx, ids, ch, opts)
	return ch, nil
}

// GenerateWithPrefixKV restores prefix's cache into a fresh copy and
// continues generation over prompt's tokens, without mutating prefix
// (spec.md §4.10 generateWithPrefixKV(prefix, prompt, opts)).
func (s *Session) GenerateWithPrefixKV(ctx context.Context, prefix *Snapshot, prompt string, opts GenerateOptions) (<-chan Item, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}

	ids, err := s.cfg.Tokenizer.Encode(prompt)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("generator: encode: %w", err)
	}

	s.cache.Restore(prefix.cache)

	ch := make(chan Item, 8)
	go s.run(ctx, ids, ch, opts)
	return ch, nil
}

func (s *Session) currentLookup() (layer.CompositeLookup, error) {
	if s.cfg.LoRAManager == nil {
		return nil, nil
	}
	adapter, err := s.cfg.LoRAManager.GetActiveAdapter()
	if err != nil {
		return nil, fmt.Errorf("generator: resolve active adapter: %w", err)
	}
	return compositeLookup(adapter), nil
}

// run executes the full prefill + decode loop, emitting Items to ch and
// closing it on completion (spec.md §4.10 steps 3-6). Runs on its own
// goroutine so Generate/GenerateWithPrefixKV can return the channel
// immediately; releases the session's re-entrancy guard on every exit
// path per spec.md §7 ("session always releases transient state and
// republishes isGenerating=false on any exit path").
func (s *Session) run(ctx context.Context, promptIDs []uint32, ch chan<- Item, opts GenerateOptions) {
	defer s.release()
	defer close(ch)

	lookup, err := s.currentLookup()
	if err != nil {
		ch <- Item{Kind: ItemError, Err: err}
		return
	}

	smp := sampler.NewSampler(opts.Temperature, opts.TopK, opts.TopP, opts.MinP, opts.Seed, nil)
	// generated seeds the repetition-penalty history with the prompt's own
	// token ids (spec.md §4.10 step 2 "generatedIds := inputIds"), then
	// grows with every sampled token; Stats/loop bounds below count only
	// the sampled tail via generatedCount, not len(generated).
	generated := make([]int32, len(promptIDs), len(promptIDs)+opts.MaxTokens)
	for i, id := range promptIDs {
		generated[i] = int32(id)
	}
	generatedCount := 0
	var textBuf strings.Builder

	firstLogits, err := s.prefillLogits(promptIDs, lookup)
	if err != nil {
		ch <- Item{Kind: ItemError, Err: err}
		return
	}

	if len(opts.ExpectedTopK) > 0 {
		if drift := topKDrift(firstLogits, opts.ExpectedTopK); drift > opts.DriftThreshold {
			ch <- Item{Kind: ItemError, Err: ErrIntentDrift}
			return
		}
	}

	sampler.ApplyRepetitionPenalty(firstLogits, generated, opts.RepetitionPenalty)
	tok, err := smp.Sample(firstLogits)
	if err != nil {
		ch <- Item{Kind: ItemError, Err: err}
		return
	}

	reason, stopText, err := s.emitAndCheckStop(ctx, ch, tok, &generated, &generatedCount, &textBuf, opts)
	if err != nil {
		ch <- Item{Kind: ItemError, Err: err}
		return
	}
	if reason != nil {
		ch <- Item{Kind: ItemEnd, Stats: Stats{TokensGenerated: generatedCount, PromptTokens: len(promptIDs), StopReason: *reason, MatchedStop: stopText}}
		return
	}

	for generatedCount < opts.MaxTokens {
		select {
		case <-ctx.Done():
			ch <- Item{Kind: ItemEnd, Stats: Stats{TokensGenerated: generatedCount, PromptTokens: len(promptIDs), StopReason: StopCancelled}}
			return
		default:
		}

		logitsRow, err := s.decodeStepLogits(uint32(tok), lookup)
		if err != nil {
			ch <- Item{Kind: ItemError, Err: err}
			return
		}

		sampler.ApplyRepetitionPenalty(logitsRow, generated, opts.RepetitionPenalty)
		tok, err = smp.Sample(logitsRow)
		if err != nil {
			ch <- Item{Kind: ItemError, Err: err}
			return
		}

		reason, stopText, err = s.emitAndCheckStop(ctx, ch, tok, &generated, &generatedCount, &textBuf, opts)
		if err != nil {
			ch <- Item{Kind: ItemError, Err: err}
			return
		}
		if reason != nil {
			ch <- Item{Kind: ItemEnd, Stats: Stats{TokensGenerated: generatedCount, PromptTokens: len(promptIDs), StopReason: *reason, MatchedStop: stopText}}
			return
		}
	}

	ch <- Item{Kind: ItemEnd, Stats: Stats{TokensGenerated: generatedCount, PromptTokens: len(promptIDs), StopReason: StopMaxTokens}}
}

// emitAndCheckStop decodes tok's text, streams it, appends it to the
// running text buffer, and evaluates every stop condition from spec.md
// §4.10 ("tokensGenerated==maxTokens", a stop token id, or a stop-sequence
// suffix match). generated is the full repetition-penalty history (prompt
// ids plus every sampled token so far, per spec.md §4.10 step 2); count
// tracks only the sampled tail, since Stats.TokensGenerated and the
// maxTokens bound must not include the prompt. Returns a non-nil reason
// when generation should end; the caller is responsible for not emitting
// further tokens after a stop match, so the stop token/text itself is
// still streamed once.
func (s *Session) emitAndCheckStop(_ context.Context, ch chan<- Item, tok int32, generated *[]int32, count *int, textBuf *strings.Builder, opts GenerateOptions) (*StopReason, string, error) {
	id := uint32(tok)
	text, err := s.cfg.Tokenizer.Decode([]uint32{id}, false, true)
	if err != nil {
		return nil, "", fmt.Errorf("generator: decode token %d: %w", id, err)
	}

	*generated = append(*generated, tok)
	*count++
	textBuf.WriteString(text)
	ch <- Item{Kind: ItemToken, TokenID: id, Text: text}

	for _, stopID := range opts.StopTokenIDs {
		if id == stopID {
			r := StopTokenID
			return &r, "", nil
		}
	}
	if eos := s.cfg.Tokenizer.SpecialTokens().EOS; eos != nil && id == *eos {
		r := StopTokenID
		return &r, "", nil
	}
	if found, matched := FindStop(textBuf.String(), opts.StopSequences); found {
		r := StopSequence
		return &r, matched, nil
	}
	if *count >= opts.MaxTokens {
		r := StopMaxTokens
		return &r, "", nil
	}
	return nil, "", nil
}

// prefillLogits runs the prompt through every layer and returns the
// logits row for only the last position (spec.md §4.10 "prefill ... then
// sample the first token from the last position's logits").
func (s *Session) prefillLogits(ids []uint32, lookup layer.CompositeLookup) ([]float32, error) {
	rec := s.cfg.Device.CreateCommandRecorder("prefill")
	hidden, err := s.embedAndForward(rec, ids, lookup)
	if err != nil {
		return nil, err
	}
	T, H := hidden.Dim(0), hidden.Dim(1)
	lastRow := kernel.NewTensor([]int{1, H}, hidden.Row(T-1))

	out, err := logits.Compute(rec, lastRow, s.finalNorm, s.lmHead, s.cfg.Device.MaxBufferBindingSize(), s.logitsOptions())
	if err != nil {
		return nil, err
	}
	rec.Submit()
	return append([]float32(nil), out.Data()...), nil
}

// decodeStepLogits embeds a single new token, runs every layer with the
// cache's current length as the RoPE position base, and returns that
// position's logits row.
func (s *Session) decodeStepLogits(tok uint32, lookup layer.CompositeLookup) ([]float32, error) {
	rec := s.cfg.Device.CreateCommandRecorder("decode")
	hidden, err := s.embedAndForward(rec, []uint32{tok}, lookup)
	if err != nil {
		return nil, err
	}
	out, err := logits.Compute(rec, hidden, s.finalNorm, s.lmHead, s.cfg.Device.MaxBufferBindingSize(), s.logitsOptions())
	if err != nil {
		return nil, err
	}
	rec.Submit()
	return append([]float32(nil), out.Data()...), nil
}

func (s *Session) logitsOptions() logits.Options {
	arch := s.cfg.Manifest.Architecture
	return logits.Options{
		UseTiedEmbeddings:     arch.UseTiedEmbeddings,
		FinalLogitSoftcapping: arch.FinalLogitSoftcapping,
		VocabSize:             arch.VocabSize,
		Eps:                   arch.RMSNormEps,
		ActivationDType:       s.activationDType(),
	}
}

// topKDrift computes the symmetric-difference ratio between actual's
// top-len(expected) token ids and expected, per spec.md §4.10's
// intent-bundle guard.
func topKDrift(actualLogits []float32, expected []uint32) float64 {
	k := len(expected)
	if k == 0 || k > len(actualLogits) {
		return 0
	}
	actual := topKIDs(actualLogits, k)
	expSet := make(map[uint32]bool, k)
	for _, id := range expected {
		expSet[id] = true
	}
	actSet := make(map[uint32]bool, k)
	for _, id := range actual {
		actSet[id] = true
	}
	diff := 0
	for id := range expSet {
		if !actSet[id] {
			diff++
		}
	}
	for id := range actSet {
		if !expSet[id] {
			diff++
		}
	}
	union := len(expSet)
	for id := range actSet {
		if !expSet[id] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(diff) / float64(union)
}

func topKIDs(row []float32, k int) []uint32 {
	type pair struct {
		id  uint32
		val float32
	}
	pairs := make([]pair, len(row))
	for i, v := range row {
		pairs[i] = pair{uint32(i), v}
	}
	// Simple selection of the top k by value; len(row) is the vocab size
	// (tens of thousands), so an O(n*k) partial selection sort is cheap
	// relative to the forward pass it follows.
	out := make([]uint32, 0, k)
	used := make([]bool, len(pairs))
	for c := 0; c < k; c++ {
		best := -1
		for i, p := range pairs {
			if used[i] {
				continue
			}
			if best < 0 || p.val > pairs[best].val {
				best = i
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		out = append(out, pairs[best].id)
	}
	return out
}
