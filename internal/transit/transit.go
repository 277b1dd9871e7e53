// Package transit evaluates approximate limb-darkened transit light curves
// for a single body orbiting a star. Geometry is Keplerian; the occulted flux
// is integrated numerically over stellar annuli.
package transit

import (
	"errors"
	"fmt"
	"math"
)

// G in units of solar radii^3 / (solar mass * day^2).
const G = 2945.4625385377644

const (
	annuli       = 200
	supersample  = 7
	keplerIters  = 30
	keplerTolRad = 1e-12
)

// Central is the host star. Q1 and Q2 are the Kipping (2013) quadratic
// limb-darkening parameters, both in [0, 1].
type Central struct {
	Mass   float64
	Radius float64
	Q1     float64
	Q2     float64
}

// Body is the transiting companion. R is in the star's radius units, T0 is
// the time of a reference mid-transit, B the impact parameter in stellar
// radii, Pomega the argument of periastron in radians.
type Body struct {
	Period float64
	T0     float64
	R      float64
	B      float64
	E      float64
	Pomega float64
}

// System is a star with one body.
type System struct {
	Central Central
	Body    Body

	a     float64 // semi-major axis, solar radii
	cosI  float64
	sinI  float64
	tPeri float64
	u1    float64
	u2    float64
	norm  float64
}

// NewSystem validates the parameters and precomputes the orbit.
func NewSystem(c Central, b Body) (*System, error) {
	switch {
	case c.Mass <= 0 || c.Radius <= 0:
		return nil, errors.New("stellar mass and radius must be positive")
	case c.Q1 < 0 || c.Q1 > 1 || c.Q2 < 0 || c.Q2 > 1:
		return nil, errors.New("limb-darkening parameters must be in [0, 1]")
	case b.Period <= 0:
		return nil, errors.New("period must be positive")
	case b.R < 0:
		return nil, errors.New("radius must not be negative")
	case b.E < 0 || b.E >= 1:
		return nil, fmt.Errorf("eccentricity %v outside [0, 1)", b.E)
	}

	s := &System{Central: c, Body: b}
	s.a = math.Cbrt(G * c.Mass * b.Period * b.Period / (4 * math.Pi * math.Pi))

	// Impact parameter at conjunction for an eccentric orbit.
	ecc := (1 - b.E*b.E) / (1 + b.E*math.Sin(b.Pomega))
	s.cosI = b.B * c.Radius / (s.a * ecc)
	if s.cosI > 1 {
		return nil, fmt.Errorf("impact parameter %v is not reachable for this orbit", b.B)
	}
	s.sinI = math.Sqrt(1 - s.cosI*s.cosI)

	// Mid-transit happens at true anomaly pi/2 - pomega.
	f := math.Pi/2 - b.Pomega
	ea := 2 * math.Atan(math.Sqrt((1-b.E)/(1+b.E))*math.Tan(f/2))
	m := ea - b.E*math.Sin(ea)
	s.tPeri = b.T0 - m*b.Period/(2*math.Pi)

	q := math.Sqrt(c.Q1)
	s.u1 = 2 * q * c.Q2
	s.u2 = q * (1 - 2*c.Q2)
	s.norm = math.Pi * (1 - s.u1/3 - s.u2/6)
	return s, nil
}

// LightCurve returns the relative flux at each time, averaged over an
// exposure of length texp (no integration when texp <= 0).
func (s *System) LightCurve(t []float64, texp float64) []float64 {
	out := make([]float64, len(t))
	for i, ti := range t {
		if texp <= 0 {
			out[i] = s.flux(ti)
			continue
		}
		var sum float64
		for k := 0; k < supersample; k++ {
			dt := texp * ((float64(k)+0.5)/supersample - 0.5)
			sum += s.flux(ti + dt)
		}
		out[i] = sum / supersample
	}
	return out
}

// flux returns the instantaneous relative flux at time t.
func (s *System) flux(t float64) float64 {
	x, y, z := s.position(t)
	if z <= 0 {
		return 1
	}
	d := math.Hypot(x, y) / s.Central.Radius
	p := s.Body.R / s.Central.Radius
	if p == 0 || d >= 1+p {
		return 1
	}
	return 1 - s.occulted(p, d)/s.norm
}

// position returns sky-plane coordinates (x, y) and line-of-sight z (positive
// towards the observer) in solar radii.
func (s *System) position(t float64) (float64, float64, float64) {
	e := s.Body.E
	m := 2 * math.Pi * (t - s.tPeri) / s.Body.Period
	ea := solveKepler(m, e)
	f := 2 * math.Atan2(math.Sqrt(1+e)*math.Sin(ea/2), math.Sqrt(1-e)*math.Cos(ea/2))
	r := s.a * (1 - e*math.Cos(ea))

	arg := s.Body.Pomega + f
	x := -r * math.Cos(arg)
	y := -r * math.Sin(arg) * s.cosI
	z := r * math.Sin(arg) * s.sinI
	return x, y, z
}

// occulted integrates the blocked limb-darkened intensity of a disk of
// radius p at distance d from the stellar centre.
func (s *System) occulted(p, d float64) float64 {
	lo := math.Max(0, d-p)
	hi := math.Min(1, d+p)
	if hi <= lo {
		return 0
	}
	dr := (hi - lo) / annuli
	var sum float64
	for k := 0; k < annuli; k++ {
		r := lo + (float64(k)+0.5)*dr
		sum += s.intensity(r) * r * arc(r, p, d) * dr
	}
	return sum
}

func (s *System) intensity(r float64) float64 {
	mu := math.Sqrt(math.Max(0, 1-r*r))
	return 1 - s.u1*(1-mu) - s.u2*(1-mu)*(1-mu)
}

// arc returns the angle of the circle of radius r (centred on the star)
// lying inside a disk of radius p centred at distance d.
func arc(r, p, d float64) float64 {
	switch {
	case r <= p-d:
		return 2 * math.Pi
	case r <= d-p || r >= d+p:
		return 0
	}
	c := (r*r + d*d - p*p) / (2 * r * d)
	return 2 * math.Acos(math.Max(-1, math.Min(1, c)))
}

func solveKepler(m, e float64) float64 {
	if e == 0 {
		return m
	}
	m = math.Mod(m, 2*math.Pi)
	ea := m
	if e > 0.8 {
		ea = math.Pi
	}
	for i := 0; i < keplerIters; i++ {
		delta := (ea - e*math.Sin(ea) - m) / (1 - e*math.Cos(ea))
		ea -= delta
		if math.Abs(delta) < keplerTolRad {
			break
		}
	}
	return ea
}
