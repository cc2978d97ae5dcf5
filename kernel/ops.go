// ops.go - the pure functional kernel operations named in spec.md §4.3.
//
// Matmul is implemented via gonum.org/v1/gonum/mat (a teacher go.mod
// dependency the pruned pack never otherwise exercised); reductions used
// by RMSNorm and softmax go through gonum.org/v1/gonum/floats. Every
// operation that records into a Recorder pre-allocates its output tensor
// and fills it from a deferred closure, the same "allocate now, fill at
// submission" shape a real command-recording GPU API requires.
package kernel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrKernelFailure wraps an unexpected condition inside a kernel op,
// surfaced by higher layers as KernelFailure per spec.md §6/§7.
type ErrKernelFailure struct {
	Kind  string
	Cause error
}

func (e *ErrKernelFailure) Error() string {
	return fmt.Sprintf("kernel failure (%s): %v", e.Kind, e.Cause)
}

func (e *ErrKernelFailure) Unwrap() error { return e.Cause }

// RMSNorm computes y_t = (x_t / sqrt(mean(x_t^2)+eps)) * (weightOffset ?
// (1+w) : w) per spec.md §4.3, for x shaped [T,H] and w shaped [H].
func RMSNorm(rec *Recorder, x, w *Tensor, eps float32, weightOffset bool) *Tensor {
	T, H := x.Dim(0), x.Dim(1)
	out := Zeros(T, H)
	record(rec, func() {
		for t := 0; t < T; t++ {
			row := x.Row(t)
			ss := floats.Dot(row, row) / float64(H)
			inv := float32(1 / math.Sqrt(ss+float64(eps)))
			dst := out.Row(t)
			for h := 0; h < H; h++ {
				wv := w.data[h]
				if weightOffset {
					wv = 1 + wv
				}
				dst[h] = row[h] * inv * wv
			}
		}
	})
	return out
}

// TransposeMode controls how Matmul interprets its B operand.
type TransposeMode int

const (
	// TransposeAuto infers layout from the weight's declared shape: an
	// HF-style linear weight stored [N,K] is transposed, [K,N] is not.
	TransposeAuto TransposeMode = iota
	TransposeYes
	TransposeNo
)

// Matmul computes C[M,N] = A[M,K] x B, where B is resolved from a Weight
// operand, honoring transposeB per spec.md §4.3.
func Matmul(rec *Recorder, a *Tensor, b Weight, m, n, k int, transposeB TransposeMode, role string) (*Tensor, error) {
	bt, err := b.Resolve()
	if err != nil {
		return nil, &ErrKernelFailure{Kind: "matmul:" + role, Cause: err}
	}
	return MatmulDense(rec, a, bt, m, n, k, transposeB), nil
}

// MatmulDense is Matmul's core over already-resolved dense tensors,
// exposed directly for callers (e.g. the logits head) that chunk a large
// weight into several dense pieces themselves.
func MatmulDense(rec *Recorder, a, b *Tensor, m, n, k int, transposeB TransposeMode) *Tensor {
	transpose := transposeB == TransposeYes
	if transposeB == TransposeAuto {
		// HF-style weights are stored [N,K]; row-major [K,N] needs no
		// transpose.
		transpose = b.Dim(0) == n && b.Dim(len(b.Shape())-1) == k && len(b.Shape()) == 2
	}

	out := Zeros(m, n)
	record(rec, func() {
		// gonum operates on float64; convert for numerical routines and
		// convert back, matching the precision the reference backend
		// promises (activation math happens in f32 per spec.md §3).
		af := toFloat64(a.data[:m*k])
		Amat := mat.NewDense(m, k, af)

		var Bmat *mat.Dense
		if transpose {
			bf := toFloat64(b.data[:n*k])
			raw := mat.NewDense(n, k, bf)
			Bmat = mat.NewDense(k, n, nil)
			Bmat.CloneFrom(raw.T())
		} else {
			bf := toFloat64(b.data[:k*n])
			Bmat = mat.NewDense(k, n, bf)
		}

		var res mat.Dense
		res.Mul(Amat, Bmat)

		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				out.data[i*n+j] = float32(res.At(i, j))
			}
		}
	})
	return out
}

func toFloat64(s []float32) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}

// Softmax applies numerically-stable softmax over the last dimension of a
// [rows, cols] tensor.
func Softmax(rec *Recorder, x *Tensor) *Tensor {
	rows, cols := x.Dim(0), x.Dim(1)
	out := Zeros(rows, cols)
	record(rec, func() {
		for r := 0; r < rows; r++ {
			row := x.Row(r)
			dst := out.Row(r)
			mx := floats.Max(row)
			var sum float64
			for i, v := range row {
				e := math.Exp(float64(v - mx))
				dst[i] = float32(e)
				sum += e
			}
			for i := range dst {
				dst[i] = float32(float64(dst[i]) / sum)
			}
		}
	})
	return out
}

// RoPE applies complex-pair rotation to the head dimension of q and k at
// positions [positionBase, positionBase+T), using precomputed cos/sin
// tables shaped [Smax, D/2] (spec.md §4.3). q and k are shaped
// [T, heads, D].
func RoPE(rec *Recorder, q, k, cos, sin *Tensor, positionBase int) (*Tensor, *Tensor) {
	rotate := func(x *Tensor) *Tensor {
		T, heads, d := x.Dim(0), x.Dim(1), x.Dim(2)
		half := d / 2
		out := Zeros(T, heads, d)
		record(rec, func() {
			for t := 0; t < T; t++ {
				pos := positionBase + t
				cosRow := cos.Row(pos)
				sinRow := sin.Row(pos)
				for h := 0; h < heads; h++ {
					base := (t*heads + h) * d
					obase := base
					for i := 0; i < half; i++ {
						x0 := x.data[base+i]
						x1 := x.data[base+half+i]
						c := cosRow[i]
						s := sinRow[i]
						out.data[obase+i] = x0*c - x1*s
						out.data[obase+half+i] = x0*s + x1*c
					}
				}
			}
		})
		return out
	}
	return rotate(q), rotate(k)
}

// AppendKV writes rows [start, start+T) of k/v (shaped [T, Nkv, D]) into
// the per-layer cache stores kStore/vStore (shaped [Smax, Nkv, D]).
func AppendKV(rec *Recorder, kStore, vStore, k, v *Tensor, start int) error {
	T := k.Dim(0)
	smax := kStore.Dim(0)
	if start+T > smax {
		return errors.New("kernel: append_kv would overflow cache capacity")
	}
	rowLen := k.Dim(1) * k.Dim(2)
	record(rec, func() {
		for t := 0; t < T; t++ {
			copy(kStore.data[(start+t)*rowLen:(start+t+1)*rowLen], k.data[t*rowLen:(t+1)*rowLen])
			copy(vStore.data[(start+t)*rowLen:(start+t+1)*rowLen], v.data[t*rowLen:(t+1)*rowLen])
		}
	})
	return nil
}

// Attention computes grouped-query attention: q is [T,Nq,D], kStore/vStore
// are the full cache buffers [Smax,Nkv,D] of which only rows [0,seqLen)
// are valid. mask selects causal (prefill, T>1) or none (single-token
// decode, where seqLen already bounds visibility).
func Attention(rec *Recorder, q, kStore, vStore *Tensor, seqLen int, causal bool) *Tensor {
	T, nq, d := q.Dim(0), q.Dim(1), q.Dim(2)
	nkv := kStore.Dim(1)
	group := nq / nkv
	out := Zeros(T, nq, d)
	scale := 1 / math.Sqrt(float64(d))

	record(rec, func() {
		scores := make([]float64, seqLen)
		for t := 0; t < T; t++ {
			// Absolute query position: in a decode step seqLen already
			// includes this token (append_kv precedes attention), so the
			// query's own position is seqLen-T+t.
			qpos := seqLen - T + t
			for h := 0; h < nq; h++ {
				kvh := h / group
				qvec := q.data[(t*nq+h)*d : (t*nq+h+1)*d]

				mx := math.Inf(-1)
				for s := 0; s < seqLen; s++ {
					if causal && s > qpos {
						scores[s] = math.Inf(-1)
						continue
					}
					kvec := kStore.data[(s*nkv+kvh)*d : (s*nkv+kvh+1)*d]
					var dot float64
					for i := 0; i < d; i++ {
						dot += float64(qvec[i]) * float64(kvec[i])
					}
					dot *= scale
					scores[s] = dot
					if dot > mx {
						mx = dot
					}
				}

				var sum float64
				for s := 0; s < seqLen; s++ {
					if math.IsInf(scores[s], -1) {
						scores[s] = 0
						continue
					}
					e := math.Exp(scores[s] - mx)
					scores[s] = e
					sum += e
				}

				obase := (t*nq + h) * d
				for s := 0; s < seqLen; s++ {
					if scores[s] == 0 {
						continue
					}
					w := scores[s] / sum
					vvec := vStore.data[(s*nkv+kvh)*d : (s*nkv+kvh+1)*d]
					for i := 0; i < d; i++ {
						out.data[obase+i] += float32(w) * vvec[i]
					}
				}
			}
		}
	})
	return out
}
