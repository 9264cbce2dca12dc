package ledger

import (
	"math"

	"github.com/sirupsen/logrus"
)

const compressBisectSteps = 50

// Compress scales a set of deltas by one common ratio so that trading all of
// them keeps every instrument and the portfolio inside the usable limits.
// Compliant deltas come back unchanged. If the portfolio is already beyond a
// cap every delta becomes zero. Scaled deltas are truncated toward zero.
func (p *PositionLedger) Compress(deltas map[string]float64) (map[string]float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	norm, err := p.normDeltas(deltas)
	if err != nil {
		return nil, err
	}
	if p.feasible(norm) {
		return norm, nil
	}

	maxGross, maxNet := p.caps()
	gross, net := p.exposure(nil)
	if math.Abs(net) > maxNet || gross > maxGross {
		return scale(norm, 0), nil
	}

	ratio := p.compressRatio(norm, gross, net, maxGross, maxNet)
	out := scale(norm, ratio)
	if p.feasible(out) {
		return out, nil
	}

	// truncation or a crossing delta can still leave a breach; search the
	// largest ratio below the estimate that holds
	lo, hi := 0.0, ratio
	for i := 0; i < compressBisectSteps; i++ {
		mid := (lo + hi) / 2
		if p.feasible(scale(norm, mid)) {
			lo = mid
		} else {
			hi = mid
		}
	}
	if p.logger != nil {
		p.logger.WithFields(logrus.Fields{
			"estimate": ratio,
			"ratio":    lo,
		}).Debug("Compression ratio refined by search")
	}
	return scale(norm, lo), nil
}

func (p *PositionLedger) compressRatio(deltas map[string]float64, gross, net, maxGross, maxNet float64) float64 {
	ratio := 1.0

	total := 0.0
	for t, d := range deltas {
		total += d * p.instruments[t].Multiplier
	}
	if total != 0 {
		if total*net > 0 {
			ratio = math.Min((maxNet-math.Abs(net))/math.Abs(total), 1)
		} else if math.Abs(net+total) > maxNet {
			ratio = math.Min((maxNet+math.Abs(net))/math.Abs(total), 1)
		}
	}

	// a flat instrument can only grow, so it counts as increasing exposure
	added := 0.0
	for t, d := range deltas {
		inst := p.instruments[t]
		w := math.Abs(d) * inst.Multiplier
		if inst.Volume == 0 || inst.Volume*d > 0 {
			added += w
		} else {
			added -= w
		}
	}
	headroom := maxGross - gross
	if added > headroom {
		ratio = math.Min(ratio, headroom/added)
	}
	return math.Max(ratio, 0)
}

func (p *PositionLedger) feasible(deltas map[string]float64) bool {
	for t, d := range deltas {
		if p.instrumentExceeds(p.instruments[t], d) {
			return false
		}
	}
	return !p.portfolioExceeds(deltas)
}

func scale(deltas map[string]float64, ratio float64) map[string]float64 {
	out := make(map[string]float64, len(deltas))
	for t, d := range deltas {
		out[t] = math.Trunc(d * ratio)
	}
	return out
}
