// Package ev computes the probability estimate, expected value and
// Kelly-sized stake for one scan. Pure functions, no I/O.
package ev

import (
	"fmt"
	"math"
)

// Direction of the proposed bet.
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
	Hold Direction = "HOLD"
)

const (
	// FwdThreshold is the minimum EV required to act.
	FwdThreshold = 0.05

	evCap       = 0.80
	estimateMin = 0.50
	estimateMax = 0.92
	bonusMin    = -0.05
	bonusMax    = 0.04
	targetMin   = 0.20
	targetMax   = 0.80

	minSafeFraction = 0.02
)

// Input carries everything the calculator needs. MomentumScore must
// already be directed: positive when the ring agrees with the price move.
type Input struct {
	PriceDiffPct  float64
	UpOdds        float64
	DownOdds      float64
	Velocity      float64
	MomentumScore float64
	TimeBonus     float64

	Balance        float64
	InitialBalance float64
	MinBet         float64
	MaxBet         float64
}

// Result is a value object; reason strings are observability only.
type Result struct {
	Direction  Direction
	EV         float64
	Estimate   float64
	Gap        float64
	Stake      float64
	TargetOdds float64
	Strategy   string
	Reason     string
}

// Calculate maps one scan's inputs to a decision. Direction follows the
// sign of the move; the target odds come straight from that side of the
// book (never 1-upOdds).
func Calculate(in Input) Result {
	dir := Up
	target := in.UpOdds
	if in.PriceDiffPct <= 0 {
		dir = Down
		target = in.DownOdds
	}
	target = clamp(target, targetMin, targetMax)

	estimate := estimateProb(in.PriceDiffPct, in.Velocity, in.MomentumScore, in.TimeBonus)
	evVal := math.Min(estimate/target-1, evCap)
	gap := estimate - target

	if evVal <= FwdThreshold {
		return Result{
			Direction:  Hold,
			EV:         evVal,
			Estimate:   estimate,
			Gap:        gap,
			TargetOdds: target,
			Strategy:   "FWD",
			Reason:     fmt.Sprintf("ev %.3f below threshold %.2f (est %.2f vs odds %.2f)", evVal, FwdThreshold, estimate, target),
		}
	}

	stake := kellyStake(evVal, target, in.Balance, in.InitialBalance, in.MinBet, in.MaxBet)

	return Result{
		Direction:  dir,
		EV:         evVal,
		Estimate:   estimate,
		Gap:        gap,
		Stake:      stake,
		TargetOdds: target,
		Strategy:   "FWD",
		Reason: fmt.Sprintf("%s est %.2f odds %.2f ev %.2f gap %.2f stake %.2f",
			dir, estimate, target, evVal, gap, stake),
	}
}

// estimateProb buckets the absolute move and layers clamped bonuses for
// velocity agreement, directed momentum and time-in-candle.
func estimateProb(changePct, velocity, directedMomentum, timeBonus float64) float64 {
	base := baseProb(math.Abs(changePct))

	bonus := velocityBonus(velocity, changePct) +
		momentumBonus(directedMomentum) +
		timeBonus
	bonus = clamp(bonus, bonusMin, bonusMax)

	return clamp(base+bonus, estimateMin, estimateMax)
}

func baseProb(absChange float64) float64 {
	switch {
	case absChange >= 1.00:
		return 0.92
	case absChange >= 0.70:
		return 0.90
	case absChange >= 0.50:
		return 0.88
	case absChange >= 0.35:
		return 0.86
	case absChange >= 0.25:
		return 0.83
	case absChange >= 0.15:
		return 0.79
	case absChange >= 0.10:
		return 0.73
	case absChange >= 0.08:
		return 0.67
	case absChange >= 0.05:
		return 0.63
	case absChange >= 0.03:
		return 0.58
	default:
		return 0.53
	}
}

func velocityBonus(velocity, changePct float64) float64 {
	if velocity != 0 && changePct != 0 && math.Signbit(velocity) != math.Signbit(changePct) {
		return -0.03
	}
	abs := math.Abs(velocity)
	switch {
	case abs >= 0.05:
		return 0.04
	case abs >= 0.02:
		return 0.02
	case abs >= 0.01:
		return 0.01
	default:
		return 0
	}
}

func momentumBonus(directed float64) float64 {
	switch {
	case directed >= 0.8:
		return 0.04
	case directed >= 0.6:
		return 0.02
	case directed >= 0.3:
		return 0
	case directed >= 0:
		return -0.02
	case directed >= -0.3:
		return -0.03
	default:
		return -0.05
	}
}

// kellyStake sizes the bet: fractional Kelly scaled down by EV band, floor
// 2% of balance, ceiling tied to how far above the initial bankroll we are.
func kellyStake(evVal, target, balance, initial, minBet, maxBet float64) float64 {
	b := 1/target - 1
	if b <= 0 {
		return minBet
	}
	kellyFraction := evVal / b

	var mult float64
	switch {
	case evVal >= 1.0:
		mult = 0.35
	case evVal >= 0.5:
		mult = 0.30
	case evVal >= 0.3:
		mult = 0.25
	default:
		mult = 0.20
	}

	safe := kellyFraction * mult
	if safe < minSafeFraction {
		safe = minSafeFraction
	}

	ratio := 0.0
	if initial > 0 {
		ratio = balance / initial
	}
	var maxFraction float64
	switch {
	case ratio < 1:
		maxFraction = 0.02
	case ratio < 2:
		maxFraction = 0.03
	case ratio < 5:
		maxFraction = 0.04
	default:
		maxFraction = 0.05
	}
	if safe > maxFraction {
		safe = maxFraction
	}

	return clamp(balance*safe, minBet, maxBet)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
