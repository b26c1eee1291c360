// Package initializer fills the embedding of a newly allocated key.
//
// Random initializers derive their stream from (seed, key), so the same key
// gets the same initial vector on every replica and after every eviction.
package initializer

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// ErrInvalid is returned by Parse for an unrecognized initializer.
var ErrInvalid = errors.New("initializer: invalid")

// Default uniform range and normal stddev for "random" and "normal".
const (
	DefaultUniformScale = 0.05
	DefaultNormalStddev = 0.05
)

// Initializer writes the initial vector for key into dst.
type Initializer interface {
	Fill(key uint64, dst []float32)
	String() string
}

// Constant fills every element with the same value.
type Constant float32

// Fill implements Initializer.
func (c Constant) Fill(_ uint64, dst []float32) {
	for i := range dst {
		dst[i] = float32(c)
	}
}

func (c Constant) String() string {
	return strconv.FormatFloat(float64(c), 'g', -1, 32)
}

// Uniform draws from [Min, Max).
type Uniform struct {
	Min, Max float32
	Seed     uint64
}

// Fill implements Initializer.
func (u Uniform) Fill(key uint64, dst []float32) {
	r := keyed(u.Seed, key)
	span := u.Max - u.Min
	for i := range dst {
		dst[i] = u.Min + r.Float32()*span
	}
}

func (u Uniform) String() string { return fmt.Sprintf("uniform(%g,%g)", u.Min, u.Max) }

// Normal draws from N(Mean, Stddev²).
type Normal struct {
	Mean, Stddev float32
	Seed         uint64
}

// Fill implements Initializer.
func (n Normal) Fill(key uint64, dst []float32) {
	r := keyed(n.Seed, key)
	for i := range dst {
		dst[i] = n.Mean + float32(r.NormFloat64())*n.Stddev
	}
}

func (n Normal) String() string { return fmt.Sprintf("normal(%g,%g)", n.Mean, n.Stddev) }

func keyed(seed, key uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, key))
}

// Parse understands "random", "uniform", "normal", "zeros", "ones" and any
// numeric literal, which becomes a Constant.
func Parse(spec string, seed uint64) (Initializer, error) {
	switch s := strings.ToLower(strings.TrimSpace(spec)); s {
	case "", "random", "uniform":
		return Uniform{Min: -DefaultUniformScale, Max: DefaultUniformScale, Seed: seed}, nil
	case "normal", "random_normal":
		return Normal{Stddev: DefaultNormalStddev, Seed: seed}, nil
	case "zeros":
		return Constant(0), nil
	case "ones":
		return Constant(1), nil
	default:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalid, spec)
		}
		return Constant(v), nil
	}
}
