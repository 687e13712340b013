package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/quantfold/deltadesk/internal/exchange"
)

// QuoteFetcher supplies the current quote (with greeks) for an instrument.
type QuoteFetcher func(ctx context.Context, instrument string) (*exchange.Quote, error)

// Candidate is an instrument whose delta fell inside the requested window,
// paired with the quote that qualified it.
type Candidate struct {
	Instrument exchange.Instrument
	Quote      exchange.Quote
	// Delta is the quote's delta at selection time, kept so callers do not
	// re-derive it from the quote.
	Delta float64
}

// SelectionInput carries the instrument snapshot and the delta window.
type SelectionInput struct {
	Instruments []exchange.Instrument
	Underlying  string
	OptionType  exchange.OptionType
	DeltaLow    float64
	DeltaHigh   float64
	Count       int
	// MinExpireDays, when set, drops instruments expiring sooner than this
	// many days from Now.
	MinExpireDays *int
	Now           time.Time
}

// SelectOptions picks up to Count instruments whose |delta| lies inside the
// window, ranked by distance of |delta| to the window midpoint, with soonest
// expiration and then name as deterministic tie-breakers.
//
// The delta window is order-independent: swapped bounds are normalized. A
// short (or empty) result is not an error; callers handle it. Given the same
// instrument and quote snapshot the output is identical across calls.
func SelectOptions(ctx context.Context, in SelectionInput, quotes QuoteFetcher) []Candidate {
	low, high := in.DeltaLow, in.DeltaHigh
	if low > high {
		low, high = high, low
	}
	mid := (low + high) / 2

	// Deterministic iteration order regardless of how the universe was
	// listed.
	instruments := make([]exchange.Instrument, len(in.Instruments))
	copy(instruments, in.Instruments)
	sort.Slice(instruments, func(i, j int) bool { return instruments[i].Name < instruments[j].Name })

	var candidates []Candidate
	for _, inst := range instruments {
		if ctx.Err() != nil {
			break
		}
		if !eligible(inst, in) {
			continue
		}

		quote, err := quotes(ctx, inst.Name)
		if err != nil {
			// A single instrument without a quote does not sink the
			// selection; it is simply not a candidate.
			continue
		}

		absDelta := math.Abs(quote.Greeks.Delta)
		if absDelta < low || absDelta > high {
			continue
		}
		candidates = append(candidates, Candidate{
			Instrument: inst,
			Quote:      *quote,
			Delta:      quote.Greeks.Delta,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di := math.Abs(math.Abs(candidates[i].Delta) - mid)
		dj := math.Abs(math.Abs(candidates[j].Delta) - mid)
		if di != dj {
			return di < dj
		}
		if !candidates[i].Instrument.Expiration.Equal(candidates[j].Instrument.Expiration) {
			return candidates[i].Instrument.Expiration.Before(candidates[j].Instrument.Expiration)
		}
		return candidates[i].Instrument.Name < candidates[j].Instrument.Name
	})

	if in.Count > 0 && len(candidates) > in.Count {
		candidates = candidates[:in.Count]
	}
	return candidates
}

func eligible(inst exchange.Instrument, in SelectionInput) bool {
	if inst.BaseCurrency != in.Underlying || inst.Kind != exchange.KindOption || !inst.IsActive {
		return false
	}
	if inst.OptionType != in.OptionType {
		return false
	}
	if in.MinExpireDays != nil {
		cutoff := in.Now.AddDate(0, 0, *in.MinExpireDays)
		if inst.Expiration.Before(cutoff) {
			return false
		}
	}
	return true
}
