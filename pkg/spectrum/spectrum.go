// Package spectrum recovers a linear FFT magnitude array from the compact,
// perceptually log-spaced encoding that sensor boxes transmit to save
// bandwidth. The device collapses its linear FFT into bins whose center
// frequencies are spaced a twelfth of an octave apart and sends one value per
// distinct bin; this package expands that back out so every linear bin has a
// value again.
package spectrum

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Fixed audio capture configuration of the sensor box firmware.
const (
	DefaultSampleRate = 48000
	DefaultFFTSize    = 2048
)

var ErrBadLength = errors.New("compact spectrum length mismatch")

// BinMap is the boundary table mapping logarithmic bins to linear FFT bin
// indices for one (sampleRate, fftSize) configuration. It is a pure function
// of its inputs; build it once and reuse it.
type BinMap struct {
	sampleRate int
	fftSize    int

	// Distinct log-bin start indices in ascending order. There is one
	// compact input value per entry; the last entry doubles as the linear
	// output length, its bin being the trailing unaligned one that the
	// expansion drops.
	starts []int
}

// NewBinMap computes the boundary table for the given FFT configuration.
func NewBinMap(sampleRate, fftSize int) (*BinMap, error) {
	if sampleRate <= 0 || fftSize <= 0 {
		return nil, fmt.Errorf("invalid fft configuration %d/%d", sampleRate, fftSize)
	}
	binWidth := float64(sampleRate) / float64(fftSize)
	nyquist := float64(sampleRate) / 2

	// Log bin center frequencies, a twelfth of an octave apart, up to and
	// including the Nyquist frequency.
	var centers []float64
	for i := 0; ; i++ {
		f := (float64(sampleRate) * 2 / float64(fftSize)) * math.Pow(2, float64(i)/12)
		if f > nyquist {
			break
		}
		centers = append(centers, f)
	}
	// The trailing center is not a usable bin; dropping it keeps the bin
	// count aligned with what the firmware transmits.
	binCount := len(centers) - 1
	if binCount < 2 {
		return nil, fmt.Errorf("fft configuration %d/%d yields no log bins", sampleRate, fftSize)
	}

	// Collapse consecutive log bins whose boundary lands on the same linear
	// index; at low frequencies several log bins fit inside one linear bin
	// and the device transmits a single value for the run.
	starts := make([]int, 0, binCount-1)
	for i := 0; i <= binCount-2; i++ {
		s := int(centers[i] / binWidth)
		if len(starts) == 0 || s != starts[len(starts)-1] {
			starts = append(starts, s)
		}
	}
	return &BinMap{sampleRate: sampleRate, fftSize: fftSize, starts: starts}, nil
}

var defaultBinMap = sync.OnceValues(func() (*BinMap, error) {
	return NewBinMap(DefaultSampleRate, DefaultFFTSize)
})

// Default returns the process-wide cached BinMap for the firmware's fixed
// capture configuration (84 compact bins, 912 linear bins).
func Default() (*BinMap, error) { return defaultBinMap() }

// CompactLen is the exact input length Reconstruct accepts: the number of
// distinct log bins the device transmits.
func (m *BinMap) CompactLen() int { return len(m.starts) }

// LinearLen is the length of every slice Reconstruct returns.
func (m *BinMap) LinearLen() int { return m.starts[len(m.starts)-1] }

// Reconstruct expands a compact log-spaced magnitude sequence into the full
// linear bin array. Each linear bin takes the value of the log bin it falls
// under; the trailing log bin lies past the linear range and is dropped.
// Inputs of any other length fail with ErrBadLength.
func (m *BinMap) Reconstruct(compact []float64) ([]float64, error) {
	if len(compact) != m.CompactLen() {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrBadLength, len(compact), m.CompactLen())
	}
	out := make([]float64, m.LinearLen())
	j := 0
	for k := range out {
		for j+1 < len(m.starts) && m.starts[j+1] <= k {
			j++
		}
		out[k] = compact[j]
	}
	return out, nil
}
