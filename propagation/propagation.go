/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package propagation enumerates candidate HF propagation modes (ground wave,
1F, 2F, ...) between a time-signal station and the receiver, and scores
each against the measured delay using a configurable expression compiled
once at construction — mirroring the teacher's M/W scoring-formula
compilation for fbclock's daemon math.
*/
package propagation

import (
	"fmt"
	"math"

	"github.com/Knetic/govaluate"
)

// speedOfLightKmS is c in km/s.
const speedOfLightKmS = 299792.458

// fLayerHopHeightKm is the nominal single-hop F-layer reflection height.
const fLayerHopHeightKm = 300

// perHopFLayerDelayMs is the extra propagation delay incurred by reflection
// (ionospheric group-delay excess per hop), as a fixed per-hop constant.
const perHopFLayerDelayMs = 0.1

// Mode identifies the resolved propagation path.
type Mode struct {
	Name   string // "Ground Wave", "1F", "2F", ...
	NHops  int
}

// Input is the measured/derived quantities needed to score candidate modes.
type Input struct {
	Station          string
	FrequencyMHz     float64
	DistanceKm       float64
	MeasuredDelayMs  float64
	DelaySpreadMs    float64
	DopplerStdHz     float64
	SolarZenithDeg   float64 // optional; 90 = terminator, <90 day, >90 night
}

// Result is the chosen mode and its scored confidence.
type Result struct {
	Mode             Mode
	PredictedDelayMs float64
	UncertaintyMs    float64
	Confidence       float64
}

// Solver enumerates candidate modes and scores them with a compiled
// govaluate expression, analogous to fbclock daemon's weighted M/W formula.
type Solver struct {
	expr *govaluate.EvaluableExpression
	sigma float64
	w1, w2, w3 float64
}

// DefaultScoringExpression is the §4.6 scoring formula:
// score = w1*exp(-|theoretical-measured|/sigma) + w2*delay_spread_prior + w3*doppler_prior.
const DefaultScoringExpression = "w1*exp(-abs(theoretical-measured)/sigma) + w2*delaySpreadPrior + w3*dopplerPrior"

// NewSolver compiles the scoring expression once; sigma, w1-w3 are the
// operator-tunable weights from §4.6.
func NewSolver(sigma, w1, w2, w3 float64) (*Solver, error) {
	functions := map[string]govaluate.ExpressionFunction{
		"exp": func(args ...any) (any, error) {
			return math.Exp(args[0].(float64)), nil
		},
		"abs": func(args ...any) (any, error) {
			return math.Abs(args[0].(float64)), nil
		},
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(DefaultScoringExpression, functions)
	if err != nil {
		return nil, fmt.Errorf("compiling propagation scoring expression: %w", err)
	}
	return &Solver{expr: expr, sigma: sigma, w1: w1, w2: w2, w3: w3}, nil
}

// candidateModes enumerates ground wave (if close enough) and up to 4
// F-layer hop counts, bounded by geometry: n_hops such that n*2*hopHeight
// can plausibly bridge distanceKm.
func candidateModes(distanceKm float64) []Mode {
	var modes []Mode
	if distanceKm < 500 {
		modes = append(modes, Mode{Name: "Ground Wave", NHops: 0})
	}
	maxHops := int(math.Ceil(distanceKm/(2*fLayerHopHeightKm))) + 1
	if maxHops < 1 {
		maxHops = 1
	}
	if maxHops > 4 {
		maxHops = 4
	}
	for n := 1; n <= maxHops; n++ {
		modes = append(modes, Mode{Name: fmt.Sprintf("%dF", n), NHops: n})
	}
	return modes
}

// theoreticalDelayMs computes the great-circle-plus-hop-geometry delay for
// one candidate mode.
func theoreticalDelayMs(mode Mode, distanceKm float64) float64 {
	if mode.NHops == 0 {
		return distanceKm / speedOfLightKmS * 1000
	}
	hopDistKm := distanceKm / float64(mode.NHops)
	slantKm := math.Sqrt(hopDistKm*hopDistKm/4 + fLayerHopHeightKm*fLayerHopHeightKm) * 2
	pathKm := slantKm * float64(mode.NHops)
	return pathKm/speedOfLightKmS*1000 + perHopFLayerDelayMs*float64(mode.NHops)
}

// GreatCircleDistanceKm computes the great-circle distance between two
// (lat,lon) pairs in decimal degrees.
func GreatCircleDistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := math.Pi / 180
	phi1, phi2 := lat1*toRad, lat2*toRad
	dPhi := (lat2 - lat1) * toRad
	dLambda := (lon2 - lon1) * toRad
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// delaySpreadPrior scores low delay spread as more plausible for fewer hops
// (single-mode paths disperse less). solarZenithDeg shifts the expected
// baseline: daytime (zenith < 90) raises D-layer absorption and favours
// higher, more dispersive F-layer hops; nighttime favours low-hop paths.
func delaySpreadPrior(mode Mode, delaySpreadMs, solarZenithDeg float64) float64 {
	expected := 0.5 * float64(mode.NHops+1)
	if solarZenithDeg > 0 && solarZenithDeg < 90 {
		expected += 0.25
	}
	return math.Exp(-math.Abs(delaySpreadMs-expected) / 2.0)
}

// dopplerPrior scores low Doppler as consistent with quieter, higher modes
// being implausible relative to daytime ground/1F paths; a simple decaying
// prior keeps the scorer well-defined without claiming physical precision
// beyond what spec.md specifies.
func dopplerPrior(dopplerStdHz float64) float64 {
	return math.Exp(-dopplerStdHz / 2.0)
}

// Solve scores every candidate mode for in and returns the best.
func (s *Solver) Solve(in Input) (Result, error) {
	modes := candidateModes(in.DistanceKm)
	if len(modes) == 0 {
		return Result{}, fmt.Errorf("propagation: no candidate modes for distance %.1fkm", in.DistanceKm)
	}

	var best Mode
	var bestScore = math.Inf(-1)
	var bestDelay float64
	for _, mode := range modes {
		theoretical := theoreticalDelayMs(mode, in.DistanceKm)
		params := map[string]any{
			"w1":               s.w1,
			"w2":               s.w2,
			"w3":               s.w3,
			"theoretical":      theoretical,
			"measured":         in.MeasuredDelayMs,
			"sigma":            s.sigma,
			"delaySpreadPrior": delaySpreadPrior(mode, in.DelaySpreadMs, in.SolarZenithDeg),
			"dopplerPrior":     dopplerPrior(in.DopplerStdHz),
		}
		raw, err := s.expr.Evaluate(params)
		if err != nil {
			return Result{}, fmt.Errorf("evaluating scoring expression: %w", err)
		}
		score, ok := raw.(float64)
		if !ok {
			return Result{}, fmt.Errorf("propagation: scoring expression returned non-numeric result")
		}
		if score > bestScore {
			bestScore = score
			best = mode
			bestDelay = theoretical
		}
	}

	confidence := bestScore / (s.w1 + s.w2 + s.w3)
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	uncertainty := math.Abs(bestDelay-in.MeasuredDelayMs) + in.DelaySpreadMs/2

	return Result{
		Mode:             best,
		PredictedDelayMs: bestDelay,
		UncertaintyMs:    uncertainty,
		Confidence:       confidence,
	}, nil
}
