package synth

import (
	"testing"
	"time"

	"github.com/agrisense/mandicast/internal/api"
	"github.com/agrisense/mandicast/internal/calendar"
)

var anchor = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

func TestGenerate_Deterministic(t *testing.T) {
	a := Generate("Punjab", "Ludhiana", "Ludhiana", "wheat", anchor)
	b := Generate("Punjab", "Ludhiana", "Ludhiana", "wheat", anchor)

	if len(a) != HistoryDays || len(b) != HistoryDays {
		t.Fatalf("series length = %d/%d, want %d", len(a), len(b), HistoryDays)
	}

	for i := range a {
		if !a[i].Date.Equal(b[i].Date) ||
			a[i].ModalPrice != b[i].ModalPrice ||
			a[i].MinPrice != b[i].MinPrice ||
			a[i].MaxPrice != b[i].MaxPrice ||
			a[i].ArrivalTonnes != b[i].ArrivalTonnes {
			t.Fatalf("day %d differs between identical calls: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestGenerate_KeySensitivity(t *testing.T) {
	wheat := Generate("Punjab", "Ludhiana", "Ludhiana", "wheat", anchor)
	other := Generate("Haryana", "Karnal", "Karnal", "wheat", anchor)

	same := true
	for i := range wheat {
		if wheat[i].ModalPrice != other[i].ModalPrice {
			same = false
			break
		}
	}
	if same {
		t.Error("different series keys should produce different price paths")
	}
}

func TestGenerate_DateRange(t *testing.T) {
	series := Generate("Punjab", "Ludhiana", "Ludhiana", "wheat", anchor)

	if !series[len(series)-1].Date.Equal(anchor) {
		t.Errorf("last day = %s, want %s",
			series[len(series)-1].Date.Format(api.DateLayout), anchor.Format(api.DateLayout))
	}
	wantStart := anchor.AddDate(0, 0, -(HistoryDays - 1))
	if !series[0].Date.Equal(wantStart) {
		t.Errorf("first day = %s, want %s",
			series[0].Date.Format(api.DateLayout), wantStart.Format(api.DateLayout))
	}

	// Strictly ascending consecutive days.
	for i := 1; i < len(series); i++ {
		if !series[i].Date.Equal(series[i-1].Date.AddDate(0, 0, 1)) {
			t.Fatalf("dates not consecutive at index %d", i)
		}
	}
}

func TestGenerate_PriceBands(t *testing.T) {
	cfg := calendar.ConfigFor("wheat")
	series := Generate("Punjab", "Ludhiana", "Ludhiana", "wheat", anchor)

	for _, o := range series {
		if o.MinPrice >= o.ModalPrice || o.MaxPrice <= o.ModalPrice {
			t.Fatalf("band ordering violated on %s: min=%.2f modal=%.2f max=%.2f",
				o.Date.Format(api.DateLayout), o.MinPrice, o.ModalPrice, o.MaxPrice)
		}
		if o.ModalPrice <= 0 || o.ArrivalTonnes <= 0 {
			t.Fatalf("non-positive value on %s", o.Date.Format(api.DateLayout))
		}
		// Prices stay in a plausible range around the base.
		if o.ModalPrice < cfg.BasePrice*0.5 || o.ModalPrice > cfg.BasePrice*2 {
			t.Fatalf("price %.2f far outside base %.2f", o.ModalPrice, cfg.BasePrice)
		}
	}
}

func TestGenerate_WeekendArrivals(t *testing.T) {
	series := Generate("Punjab", "Ludhiana", "Ludhiana", "wheat", anchor)

	var weekdaySum, weekendSum float64
	var weekdayN, weekendN int
	for _, o := range series {
		wd := o.Date.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			weekendSum += o.ArrivalTonnes
			weekendN++
		} else {
			weekdaySum += o.ArrivalTonnes
			weekdayN++
		}
	}

	if weekendSum/float64(weekendN) >= weekdaySum/float64(weekdayN) {
		t.Error("weekend arrivals should average lower than weekday arrivals")
	}
}

func TestSeed(t *testing.T) {
	if Seed("Punjab", "Ludhiana", "wheat") != Seed("Punjab", "Ludhiana", "wheat") {
		t.Error("seed should be deterministic")
	}
	if Seed("Punjab", "Ludhiana", "wheat") == Seed("Punjab", "Ludhiana", "rice") {
		t.Error("different commodities should hash to different seeds")
	}
	if Seed("Punjab", "Ludhiana", "wheat")&^uint64(0x7fffffff) != 0 {
		t.Error("seed must fit in 31 bits")
	}
}

func TestLCGRecurrence(t *testing.T) {
	// The recurrence itself is a contract: state = (state*1103515245 + 12345) mod 2^31.
	g := newLCG(42)
	want := (uint64(42)*1103515245 + 12345) & 0x7fffffff
	if got := g.next(); got != want {
		t.Errorf("first draw = %d, want %d", got, want)
	}
}

func TestSynthesizer_EndsYesterday(t *testing.T) {
	now := time.Date(2025, 6, 15, 13, 45, 0, 0, time.UTC)
	s := New(func() time.Time { return now })

	series := s.Synthesize("Punjab", "Ludhiana", "Ludhiana", "wheat")

	wantEnd := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
	if !series[len(series)-1].Date.Equal(wantEnd) {
		t.Errorf("series end = %s, want %s",
			series[len(series)-1].Date.Format(api.DateLayout), wantEnd.Format(api.DateLayout))
	}
}
