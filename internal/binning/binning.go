// Package binning aligns each venue's bracket quotes onto one shared grid of
// outcome bins.
//
// Venues quote different bracket boundaries and counts, and usually leave the
// tails open ("below 0", "250k or more"). The canonical grid is the union of
// every finite boundary seen in the snapshot. Open tails get a synthetic width
// equal to the median width of the closed brackets quoted in the snapshot.
//
// Mass moves from a venue bracket onto grid bins by proportional overlap,
// assuming uniform density inside each bracket:
//
//	mass(bin) = prob × overlap(bracket, bin) / length(bracket)
package binning

import (
	"errors"
	"math"
	"sort"

	"github.com/atmx/priors-engine/internal/model"
)

// DefaultWidth is the synthetic width used when a snapshot has no closed
// brackets to take a median from.
const DefaultWidth = 1.0

// ErrInsufficientData is returned when no venue has usable probability mass.
var ErrInsufficientData = errors.New("binning: no venue has usable probability mass")

// Options tunes normalization. The zero value is usable.
type Options struct {
	// DefaultWidth replaces the package default when > 0.
	DefaultWidth float64
}

// Grid is the normalizer output: canonical bins plus one aligned
// observation per usable venue, ordered by venue id.
type Grid struct {
	Bins         []model.OutcomeBin
	Width        float64
	Observations []model.VenueObservation

	// Dropped lists venues that quoted nothing usable.
	Dropped []string

	first, last float64
}

// Venues returns the venue ids in observation order.
func (g *Grid) Venues() []string {
	out := make([]string, len(g.Observations))
	for i, o := range g.Observations {
		out[i] = o.VenueID
	}
	return out
}

// Midpoints returns the bin midpoints in grid order.
func (g *Grid) Midpoints() []float64 {
	out := make([]float64, len(g.Bins))
	for i, b := range g.Bins {
		out[i] = b.Midpoint
	}
	return out
}

type bracket struct {
	lower, upper *float64
	prob         float64
}

// Normalize builds the canonical grid for a snapshot and aligns every venue
// to it. It is a pure function of its inputs.
func Normalize(snap *model.Snapshot, opts Options) (*Grid, error) {
	venues := make([]string, 0, len(snap.Sources))
	for v := range snap.Sources {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	cleaned := make(map[string][]bracket, len(venues))
	seen := make(map[float64]bool)
	var boundaries, widths []float64
	openLower, openUpper := false, false

	for _, v := range venues {
		for _, b := range snap.Sources[v] {
			br, ok := clean(b)
			if !ok {
				continue
			}
			cleaned[v] = append(cleaned[v], br)

			for _, x := range []*float64{br.lower, br.upper} {
				if x != nil && !seen[*x] {
					seen[*x] = true
					boundaries = append(boundaries, *x)
				}
			}
			switch {
			case br.lower != nil && br.upper != nil:
				widths = append(widths, *br.upper-*br.lower)
			case br.lower == nil && br.upper == nil:
				openLower, openUpper = true, true
			case br.lower == nil:
				openLower = true
			default:
				openUpper = true
			}
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrInsufficientData
	}
	sort.Float64s(boundaries)

	width, ok := MedianWidth(widths)
	if !ok {
		width = opts.DefaultWidth
		if width <= 0 {
			width = DefaultWidth
		}
	}

	g := &Grid{Width: width}
	if len(boundaries) > 0 {
		g.first, g.last = boundaries[0], boundaries[len(boundaries)-1]
	}
	g.Bins = buildBins(boundaries, openLower, openUpper, width)

	for _, v := range venues {
		probs, ok := g.align(cleaned[v])
		if !ok {
			g.Dropped = append(g.Dropped, v)
			continue
		}
		vol, hasVol := snap.VenueVolume(v)
		obs := model.VenueObservation{VenueID: v, Probs: probs}
		if hasVol {
			obs.Volume.Decimal, obs.Volume.Valid = vol, true
		}
		g.Observations = append(g.Observations, obs)
	}
	if len(g.Observations) == 0 {
		return nil, ErrInsufficientData
	}
	return g, nil
}

// MedianWidth returns the median of the positive widths. For an even count it
// is the mean of the two middle values. The second return is false when there
// is nothing to take a median of.
func MedianWidth(widths []float64) (float64, bool) {
	ws := make([]float64, 0, len(widths))
	for _, w := range widths {
		if w > 0 && !math.IsInf(w, 0) {
			ws = append(ws, w)
		}
	}
	if len(ws) == 0 {
		return 0, false
	}
	sort.Float64s(ws)
	mid := len(ws) / 2
	if len(ws)%2 == 1 {
		return ws[mid], true
	}
	return (ws[mid-1] + ws[mid]) / 2, true
}

// clean drops quotes with unusable probability or inverted bounds.
func clean(b model.Bracket) (bracket, bool) {
	if math.IsNaN(b.Prob) || math.IsInf(b.Prob, 0) || b.Prob < 0 {
		return bracket{}, false
	}
	br := bracket{lower: finite(b.Lower), upper: finite(b.Upper), prob: b.Prob}
	if br.lower != nil && br.upper != nil && *br.upper <= *br.lower {
		return bracket{}, false
	}
	return br, true
}

func finite(x *float64) *float64 {
	if x == nil || math.IsNaN(*x) || math.IsInf(*x, 0) {
		return nil
	}
	v := *x
	return &v
}

func buildBins(boundaries []float64, openLower, openUpper bool, width float64) []model.OutcomeBin {
	var bins []model.OutcomeBin
	if len(boundaries) == 0 {
		// Every quote was fully unbounded.
		return []model.OutcomeBin{{Midpoint: 0}}
	}
	if openLower {
		u := boundaries[0]
		bins = append(bins, model.OutcomeBin{Upper: model.F(u), Midpoint: u - width/2})
	}
	for i := 0; i+1 < len(boundaries); i++ {
		l, u := boundaries[i], boundaries[i+1]
		bins = append(bins, model.OutcomeBin{Lower: model.F(l), Upper: model.F(u), Midpoint: (l + u) / 2})
	}
	if openUpper {
		l := boundaries[len(boundaries)-1]
		bins = append(bins, model.OutcomeBin{Lower: model.F(l), Midpoint: l + width/2})
	}
	return bins
}

// extent maps possibly-open bounds to a finite interval.
func (g *Grid) extent(lower, upper *float64) (float64, float64) {
	lo := g.first - g.Width
	if lower != nil {
		lo = *lower
	}
	hi := g.last + g.Width
	if upper != nil {
		hi = *upper
	}
	return lo, hi
}

// align redistributes one venue's brackets onto the grid. It returns false
// when the venue has no mass left to distribute.
func (g *Grid) align(brackets []bracket) ([]float64, bool) {
	var total float64
	for _, b := range brackets {
		total += b.prob
	}
	if total <= 0 {
		return nil, false
	}

	probs := make([]float64, len(g.Bins))
	for _, b := range brackets {
		srcLo, srcHi := g.extent(b.lower, b.upper)
		srcLen := srcHi - srcLo
		if srcLen <= 0 || b.prob == 0 {
			continue
		}
		mass := b.prob / total
		for i, bin := range g.Bins {
			dstLo, dstHi := g.extent(bin.Lower, bin.Upper)
			overlap := math.Min(srcHi, dstHi) - math.Max(srcLo, dstLo)
			if overlap > 0 {
				probs[i] += mass * (overlap / srcLen)
			}
		}
	}

	var sum float64
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 {
		return nil, false
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs, true
}
