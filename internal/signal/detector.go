package signal

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// Sigma floors keep a flat window from turning every tiny move into a signal.
const (
	spreadSigmaFloor = 0.005
	volumeSigmaFloor = 1.0
)

// Detection is the outcome of one detector evaluation.
type Detection struct {
	Fired       bool
	Value       float64
	Threshold   float64
	Confidence  float64
	Side        *domain.OrderSide
	Description string
}

// Confidence maps how far value exceeds threshold, in units of scale, onto
// 50..100. Reaching the threshold exactly scores 50.
func Confidence(value, threshold, scale float64) float64 {
	if scale <= 0 || math.IsNaN(scale) {
		return 100
	}
	c := 50 + 50*(value-threshold)/scale
	return math.Max(0, math.Min(100, c))
}

func side(s domain.OrderSide) *domain.OrderSide { return &s }

// SpreadAnomaly fires when spread widens past mean + k*sigma of the recent
// spreads. A crossed book (negative spread) always fires at full confidence.
func SpreadAnomaly(spread float64, prior Stats, k float64) Detection {
	if spread < 0 {
		return Detection{
			Fired:       true,
			Value:       spread,
			Threshold:   0,
			Confidence:  100,
			Description: fmt.Sprintf("crossed book: spread %.4f", spread),
		}
	}
	sigma := math.Max(prior.StdDev, spreadSigmaFloor)
	threshold := prior.Mean + k*sigma
	if spread <= threshold {
		return Detection{Value: spread, Threshold: threshold}
	}
	return Detection{
		Fired:      true,
		Value:      spread,
		Threshold:  threshold,
		Confidence: Confidence(spread, threshold, sigma),
		Description: fmt.Sprintf("spread %.4f above %.4f (mean %.4f, sigma %.4f)",
			spread, threshold, prior.Mean, sigma),
	}
}

// Momentum fires when the mid moved by at least threshold between from and
// to. An upward move suggests BUY, a downward one SELL.
func Momentum(from, to, threshold float64, lookback int) Detection {
	move := to - from
	mag := math.Abs(move)
	if threshold <= 0 || mag < threshold {
		return Detection{Value: mag, Threshold: threshold}
	}
	s := domain.OrderSideBuy
	dir := "up"
	if move < 0 {
		s = domain.OrderSideSell
		dir = "down"
	}
	return Detection{
		Fired:       true,
		Value:       mag,
		Threshold:   threshold,
		Confidence:  Confidence(mag, threshold, threshold),
		Side:        side(s),
		Description: fmt.Sprintf("mid moved %s %.4f (%.4f -> %.4f) over %d updates", dir, mag, from, to, lookback),
	}
}

// LiquidityImbalance fires when one side's visible depth is at least ratio
// times the other's. Heavier bids suggest BUY, heavier asks SELL. Books with
// less than minDepth in total are ignored.
func LiquidityImbalance(bidDepth, askDepth, ratio, minDepth float64) Detection {
	if ratio <= 1 || bidDepth <= 0 || askDepth <= 0 || bidDepth+askDepth < minDepth {
		return Detection{Threshold: ratio}
	}
	switch {
	case bidDepth/askDepth >= ratio:
		r := bidDepth / askDepth
		return Detection{
			Fired:       true,
			Value:       r,
			Threshold:   ratio,
			Confidence:  Confidence(r, ratio, ratio),
			Side:        side(domain.OrderSideBuy),
			Description: fmt.Sprintf("bid depth %.2f is %.2fx ask depth %.2f", bidDepth, r, askDepth),
		}
	case askDepth/bidDepth >= ratio:
		r := askDepth / bidDepth
		return Detection{
			Fired:       true,
			Value:       r,
			Threshold:   ratio,
			Confidence:  Confidence(r, ratio, ratio),
			Side:        side(domain.OrderSideSell),
			Description: fmt.Sprintf("ask depth %.2f is %.2fx bid depth %.2f", askDepth, r, bidDepth),
		}
	}
	return Detection{Value: bidDepth / askDepth, Threshold: ratio}
}

// VolumeSurge fires when a print's size exceeds mean + k*sigma of recent
// print sizes. The suggested side follows the aggressor.
func VolumeSurge(size float64, aggressor domain.OrderSide, prior Stats, k float64) Detection {
	sigma := math.Max(prior.StdDev, volumeSigmaFloor)
	threshold := prior.Mean + k*sigma
	if size <= threshold {
		return Detection{Value: size, Threshold: threshold}
	}
	d := Detection{
		Fired:      true,
		Value:      size,
		Threshold:  threshold,
		Confidence: Confidence(size, threshold, sigma),
		Description: fmt.Sprintf("trade size %.2f above %.2f (mean %.2f, sigma %.2f)",
			size, threshold, prior.Mean, sigma),
	}
	if aggressor.Valid() {
		d.Side = side(aggressor)
	}
	return d
}
