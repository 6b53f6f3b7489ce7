package llama

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func vec(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Inc: 1, Data: x}
}

// matMul: W (d,n) @ x (n,) -> xout (d,)
func matMul(xout, x, w []float32) {
	a := blas32.General{Rows: len(xout), Cols: len(x), Stride: len(x), Data: w}
	blas32.Gemv(blas.NoTrans, 1, a, vec(x), 0, vec(xout))
}

func dot(a, b []float32) float32 {
	return blas32.Dot(vec(a), vec(b))
}

// axpy: y += alpha * x
func axpy(alpha float32, x, y []float32) {
	blas32.Axpy(alpha, vec(x), vec(y))
}

// rmsNorm is Root Mean Square Normalization
func rmsNorm(o, x, weight []float32) {
	ss := dot(x, x)/float32(len(x)) + 1e-5
	ss = 1 / float32(math.Sqrt(float64(ss)))
	for i := range o {
		o[i] = weight[i] * (x[i] * ss)
	}
}

func softmax(x []float32) {
	// find max for numerical stability
	m := x[0]
	for _, v := range x {
		m = max(m, v)
	}

	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - m)))
		sum += x[i]
	}

	for i := range x {
		x[i] /= sum
	}
}

// rope rotates each pair of x by pos times its frequency. Rotations add up,
// so rotating by a position delta moves a stored key to a new position.
func rope(x []float32, pos float64, headSize int) {
	for i := 0; i+1 < len(x); i += 2 {
		headDim := i % headSize
		freq := 1.0 / math.Pow(10000, float64(headDim)/float64(headSize))
		sin, cos := math.Sincos(pos * freq)
		fcr, fci := float32(cos), float32(sin)

		v0, v1 := x[i], x[i+1]
		x[i] = v0*fcr - v1*fci
		x[i+1] = v0*fci + v1*fcr
	}
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(-float64(x))))
}
