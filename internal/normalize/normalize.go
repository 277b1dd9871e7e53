// Package normalize turns raw flux windows into model-ready feature vectors.
// The same Normalizer must be used for synthetic training windows and for
// real windows scored at test time.
package normalize

import (
	"fmt"
	"math"
	"slices"

	"github.com/rewired-gh/peerless/internal/models"
)

// Supported transform modes.
const (
	ModeLogMedian = "log-median"
	ModeWavelet   = "wavelet"
)

// Normalizer applies a fixed transform to windows of 2*HalfWidth+1 samples.
type Normalizer struct {
	mode      string
	halfWidth int
}

// New returns a Normalizer for mode, which defaults to ModeLogMedian when empty.
func New(mode string, halfWidth int) (*Normalizer, error) {
	if mode == "" {
		mode = ModeLogMedian
	}
	switch mode {
	case ModeLogMedian:
	case ModeWavelet:
		return nil, fmt.Errorf("%w: transform mode %q is not supported", models.ErrConfiguration, mode)
	default:
		return nil, fmt.Errorf("%w: unknown transform mode %q", models.ErrConfiguration, mode)
	}
	if halfWidth < 1 {
		return nil, fmt.Errorf("%w: half width must be positive, got %d", models.ErrConfiguration, halfWidth)
	}
	return &Normalizer{mode: mode, halfWidth: halfWidth}, nil
}

// Mode returns the transform mode.
func (n *Normalizer) Mode() string { return n.mode }

// HalfWidth returns the window half width in samples.
func (n *Normalizer) HalfWidth() int { return n.halfWidth }

// Width returns the window length in samples.
func (n *Normalizer) Width() int { return 2*n.halfWidth + 1 }

// Normalize transforms every window in place. Missing samples are linearly
// interpolated over sample positions from the finite ones, then each window
// is replaced by ln(flux) - ln(median flux). Windows without any finite
// sample are left untouched.
func (n *Normalizer) Normalize(windows [][]float64) error {
	width := n.Width()
	for i, w := range windows {
		if len(w) != width {
			return fmt.Errorf("%w: window %d has %d samples, want %d", models.ErrConfiguration, i, len(w), width)
		}
		if !interpolate(w) {
			continue
		}
		lm := math.Log(median(w))
		for j, x := range w {
			w[j] = math.Log(x) - lm
		}
	}
	return nil
}

// interpolate fills NaN samples in place and reports whether any finite
// sample was available. Values beyond the first/last finite sample take the
// nearest finite value.
func interpolate(w []float64) bool {
	prev := -1
	for i, x := range w {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		switch {
		case prev == -1:
			for j := 0; j < i; j++ {
				w[j] = x
			}
		case i-prev > 1:
			a := w[prev]
			for j := prev + 1; j < i; j++ {
				w[j] = a + (x-a)*float64(j-prev)/float64(i-prev)
			}
		}
		prev = i
	}
	if prev == -1 {
		return false
	}
	for j := prev + 1; j < len(w); j++ {
		w[j] = w[prev]
	}
	return true
}

func median(w []float64) float64 {
	s := slices.Clone(w)
	slices.Sort(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m]
	}
	return (s[m-1] + s[m]) / 2
}

// Unwrap returns the centre times and raw flux windows for every valid
// centre index in [halfWidth, len-halfWidth). Windows are copies.
func Unwrap(seg *models.Segment, halfWidth int) ([]float64, [][]float64) {
	n := seg.Len() - 2*halfWidth
	if n <= 0 {
		return nil, nil
	}
	times := make([]float64, n)
	windows := make([][]float64, n)
	for k := 0; k < n; k++ {
		c := k + halfWidth
		times[k] = seg.Time[c]
		windows[k] = Window(seg, c, halfWidth)
	}
	return times, windows
}

// Window copies the raw flux window centred on sample c.
func Window(seg *models.Segment, c, halfWidth int) []float64 {
	return slices.Clone(seg.Flux[c-halfWidth : c+halfWidth+1])
}
