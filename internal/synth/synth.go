// Package synth generates deterministic synthetic price histories for
// (market, commodity) pairs that lack enough real observations to forecast.
// A hash of the series key seeds a linear-congruential generator, so a given
// key always produces a byte-identical 90-day series.
package synth

import (
	"hash/fnv"
	"math"
	"time"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/calendar"
)

// HistoryDays is the length of every synthetic series.
const HistoryDays = 90

// MinRealHistory is the threshold below which callers should fall back to a
// synthetic series.
const MinRealHistory = 7

// lcg is a linear-congruential generator with the classic glibc constants.
// The recurrence is part of the reproducibility contract: re-implementations
// must match it bit for bit.
type lcg struct {
	state uint64
}

func newLCG(seed uint64) *lcg {
	return &lcg{state: seed}
}

func (g *lcg) next() uint64 {
	g.state = (g.state*1103515245 + 12345) & 0x7fffffff
	return g.state
}

// next01 returns a float in [0, 1).
func (g *lcg) next01() float64 {
	return float64(g.next()) / float64(1<<31)
}

// Seed derives the deterministic generator seed for a series key.
func Seed(state, market, commodity string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(state + "-" + market + "-" + commodity))
	return h.Sum64() & 0x7fffffff
}

// Generate produces HistoryDays ordered observations (oldest first) ending
// on end's calendar day. Output is a pure function of its arguments.
func Generate(state, district, market, commodity string, end time.Time) []*api.PriceObservation {
	cfg := calendar.ConfigFor(commodity)
	rng := newLCG(Seed(state, market, commodity))

	// State multiplier in [0.95, 1.05), derived from the seed before any
	// daily draws so day values stay aligned across price and arrivals.
	adjBase := cfg.BasePrice * (0.95 + 0.10*rng.next01())

	endDay := api.Day(end)
	start := endDay.AddDate(0, 0, -(HistoryDays - 1))

	obs := make([]*api.PriceObservation, 0, HistoryDays)
	price := adjBase

	for i := 0; i < HistoryDays; i++ {
		day := start.AddDate(0, 0, i)
		weekend := day.Weekday() == time.Saturday || day.Weekday() == time.Sunday

		// Target level: annual sinusoid plus a small linear upward drift.
		doy := float64(day.YearDay())
		seasonal := cfg.SeasonalStrength * math.Sin(2*math.Pi*doy/365)
		drift := 0.0002 * float64(i)
		target := adjBase * (1 + seasonal) * (1 + drift)

		// Mean reversion toward the target plus bounded noise; weekends see
		// lower arrivals and slightly higher prices.
		noise := (rng.next01()*2 - 1) * cfg.Volatility * adjBase
		price += 0.15 * (target - price)
		price += noise
		if weekend {
			price += 0.008 * adjBase
		}
		if price < 1 {
			price = 1
		}

		arrivals := 40 + 120*rng.next01()
		if weekend {
			arrivals *= 0.6
		}

		modal := math.Round(price*100) / 100
		obs = append(obs, &api.PriceObservation{
			State:         state,
			District:      district,
			Market:        market,
			Commodity:     commodity,
			Date:          day,
			MinPrice:      math.Round(modal*cfg.MinRatio*100) / 100,
			MaxPrice:      math.Round(modal*cfg.MaxRatio*100) / 100,
			ModalPrice:    modal,
			ArrivalTonnes: math.Round(arrivals*100) / 100,
		})
	}

	return obs
}

// Synthesizer wraps Generate with an injected clock so services can ask for
// "the last 90 days" without hard-wiring time.Now.
type Synthesizer struct {
	now func() time.Time
}

// New creates a synthesizer; a nil clock defaults to time.Now.
func New(now func() time.Time) *Synthesizer {
	if now == nil {
		now = time.Now
	}
	return &Synthesizer{now: now}
}

// Synthesize returns the deterministic series ending yesterday, matching the
// latest complete market day.
func (s *Synthesizer) Synthesize(state, district, market, commodity string) []*api.PriceObservation {
	end := api.Day(s.now()).AddDate(0, 0, -1)
	return Generate(state, district, market, commodity, end)
}
