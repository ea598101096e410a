// Package calendar holds the static agricultural domain tables: minimum
// support prices, festival windows, crop sowing/harvest seasons, and the
// per-commodity price-model constants shared by the synthesizer and the
// forecaster.
package calendar

import (
	"strings"
	"time"
)

// mspByCommodity maps lowercase commodity names to the government minimum
// support price in rupees per quintal.
var mspByCommodity = map[string]float64{
	"wheat":     2275,
	"paddy":     2183,
	"rice":      2183,
	"maize":     2090,
	"bajra":     2500,
	"jowar":     3180,
	"barley":    1850,
	"gram":      5440,
	"tur":       7000,
	"moong":     8558,
	"urad":      6950,
	"mustard":   5650,
	"groundnut": 6377,
	"soybean":   4600,
	"cotton":    6620,
	"sugarcane": 315,
}

// MSP returns the minimum support price for a commodity, case-insensitive.
// The second return is false for commodities without a declared MSP.
func MSP(commodity string) (float64, bool) {
	msp, ok := mspByCommodity[strings.ToLower(strings.TrimSpace(commodity))]
	return msp, ok
}

// festivalPeriod is an inclusive "MM-DD" range compared lexicographically.
// Ranges that would cross a year boundary (e.g. "12-20".."01-05") never
// match under this comparison; no configured festival needs one, so the
// limitation stands.
type festivalPeriod struct {
	Name  string
	Start string // "MM-DD"
	End   string // "MM-DD"
}

var festivalPeriods = []festivalPeriod{
	{"Makar Sankranti", "01-13", "01-15"},
	{"Holi", "03-20", "03-25"},
	{"Baisakhi", "04-13", "04-14"},
	{"Raksha Bandhan", "08-18", "08-19"},
	{"Ganesh Chaturthi", "09-05", "09-15"},
	{"Navratri", "10-01", "10-10"},
	{"Diwali", "10-28", "11-05"},
}

// IsFestival reports whether the date falls inside any festival window.
func IsFestival(date time.Time) bool {
	md := date.Format("01-02")
	for _, p := range festivalPeriods {
		if md >= p.Start && md <= p.End {
			return true
		}
	}
	return false
}

// cropSeason lists sowing and harvest months (1..12) for a commodity.
type cropSeason struct {
	Sowing  []time.Month
	Harvest []time.Month
}

var seasonByCommodity = map[string]cropSeason{
	"wheat":     {Sowing: []time.Month{10, 11, 12}, Harvest: []time.Month{3, 4}},
	"paddy":     {Sowing: []time.Month{6, 7}, Harvest: []time.Month{10, 11}},
	"rice":      {Sowing: []time.Month{6, 7}, Harvest: []time.Month{10, 11}},
	"maize":     {Sowing: []time.Month{6, 7}, Harvest: []time.Month{9, 10}},
	"bajra":     {Sowing: []time.Month{6, 7}, Harvest: []time.Month{9, 10}},
	"jowar":     {Sowing: []time.Month{6, 7}, Harvest: []time.Month{10, 11}},
	"gram":      {Sowing: []time.Month{10, 11}, Harvest: []time.Month{2, 3}},
	"tur":       {Sowing: []time.Month{6, 7}, Harvest: []time.Month{12, 1}},
	"moong":     {Sowing: []time.Month{6, 7}, Harvest: []time.Month{9, 10}},
	"urad":      {Sowing: []time.Month{6, 7}, Harvest: []time.Month{9, 10}},
	"mustard":   {Sowing: []time.Month{10, 11}, Harvest: []time.Month{2, 3}},
	"groundnut": {Sowing: []time.Month{6, 7}, Harvest: []time.Month{10, 11}},
	"soybean":   {Sowing: []time.Month{6, 7}, Harvest: []time.Month{10, 11}},
	"cotton":    {Sowing: []time.Month{5, 6}, Harvest: []time.Month{10, 11, 12}},
	"onion":     {Sowing: []time.Month{10, 11}, Harvest: []time.Month{1, 2, 3}},
	"potato":    {Sowing: []time.Month{10, 11}, Harvest: []time.Month{1, 2}},
	"tomato":    {Sowing: []time.Month{6, 7, 8}, Harvest: []time.Month{10, 11, 12}},
	"sugarcane": {Sowing: []time.Month{2, 3}, Harvest: []time.Month{11, 12, 1}},
}

// IsSowing reports whether the month is a sowing month for the commodity.
func IsSowing(commodity string, date time.Time) bool {
	return inSeason(commodity, date, true)
}

// IsHarvest reports whether the month is a harvest month for the commodity.
func IsHarvest(commodity string, date time.Time) bool {
	return inSeason(commodity, date, false)
}

func inSeason(commodity string, date time.Time, sowing bool) bool {
	season, ok := seasonByCommodity[strings.ToLower(strings.TrimSpace(commodity))]
	if !ok {
		return false
	}
	months := season.Harvest
	if sowing {
		months = season.Sowing
	}
	for _, m := range months {
		if date.Month() == m {
			return true
		}
	}
	return false
}

// CommodityConfig carries the fixed per-commodity price-model constants used
// by the synthesizer and by the forecaster's confidence-band clamping.
type CommodityConfig struct {
	BasePrice        float64 // rupees/quintal
	Volatility       float64 // noise scale as fraction of base
	SeasonalStrength float64 // amplitude of annual sinusoid as fraction of base
	MinRatio         float64 // min price band: modal × MinRatio
	MaxRatio         float64 // max price band: modal × MaxRatio
}

// DefaultBasePrice applies to commodities missing from the config table.
const DefaultBasePrice = 2500

var configByCommodity = map[string]CommodityConfig{
	"wheat":     {BasePrice: 2400, Volatility: 0.015, SeasonalStrength: 0.06, MinRatio: 0.92, MaxRatio: 1.08},
	"paddy":     {BasePrice: 2250, Volatility: 0.012, SeasonalStrength: 0.05, MinRatio: 0.93, MaxRatio: 1.07},
	"rice":      {BasePrice: 3100, Volatility: 0.012, SeasonalStrength: 0.05, MinRatio: 0.93, MaxRatio: 1.07},
	"maize":     {BasePrice: 2150, Volatility: 0.018, SeasonalStrength: 0.07, MinRatio: 0.91, MaxRatio: 1.09},
	"bajra":     {BasePrice: 2550, Volatility: 0.02, SeasonalStrength: 0.06, MinRatio: 0.91, MaxRatio: 1.09},
	"jowar":     {BasePrice: 3250, Volatility: 0.02, SeasonalStrength: 0.06, MinRatio: 0.91, MaxRatio: 1.09},
	"barley":    {BasePrice: 1950, Volatility: 0.015, SeasonalStrength: 0.05, MinRatio: 0.92, MaxRatio: 1.08},
	"gram":      {BasePrice: 5600, Volatility: 0.025, SeasonalStrength: 0.08, MinRatio: 0.9, MaxRatio: 1.1},
	"tur":       {BasePrice: 7200, Volatility: 0.03, SeasonalStrength: 0.09, MinRatio: 0.9, MaxRatio: 1.1},
	"moong":     {BasePrice: 8700, Volatility: 0.03, SeasonalStrength: 0.08, MinRatio: 0.9, MaxRatio: 1.1},
	"urad":      {BasePrice: 7100, Volatility: 0.03, SeasonalStrength: 0.08, MinRatio: 0.9, MaxRatio: 1.1},
	"mustard":   {BasePrice: 5800, Volatility: 0.025, SeasonalStrength: 0.07, MinRatio: 0.91, MaxRatio: 1.09},
	"groundnut": {BasePrice: 6500, Volatility: 0.025, SeasonalStrength: 0.07, MinRatio: 0.9, MaxRatio: 1.1},
	"soybean":   {BasePrice: 4700, Volatility: 0.028, SeasonalStrength: 0.08, MinRatio: 0.9, MaxRatio: 1.1},
	"cotton":    {BasePrice: 6800, Volatility: 0.022, SeasonalStrength: 0.06, MinRatio: 0.92, MaxRatio: 1.08},
	"onion":     {BasePrice: 1800, Volatility: 0.06, SeasonalStrength: 0.15, MinRatio: 0.85, MaxRatio: 1.15},
	"potato":    {BasePrice: 1200, Volatility: 0.05, SeasonalStrength: 0.12, MinRatio: 0.87, MaxRatio: 1.13},
	"tomato":    {BasePrice: 1500, Volatility: 0.08, SeasonalStrength: 0.18, MinRatio: 0.82, MaxRatio: 1.18},
}

// ConfigFor returns the price-model constants for a commodity,
// case-insensitive, with a generic fallback for unknown commodities.
func ConfigFor(commodity string) CommodityConfig {
	if cfg, ok := configByCommodity[strings.ToLower(strings.TrimSpace(commodity))]; ok {
		return cfg
	}
	return CommodityConfig{
		BasePrice:        DefaultBasePrice,
		Volatility:       0.02,
		SeasonalStrength: 0.06,
		MinRatio:         0.9,
		MaxRatio:         1.1,
	}
}
