package matching

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/stellarlinkco/leasebroker/internal/market"
)

const (
	budgetComfortRatio = 0.8

	exactRadiusKm   = 2.0
	partialRadiusKm = 5.0

	maxTypePoints    = 10
	maxAmenityPoints = 5
)

// highValueAmenities each add one point, capped at maxAmenityPoints.
var highValueAmenities = []string{
	"parking",
	"laundry",
	"washer",
	"dishwasher",
	"gym",
	"balcony",
	"garden",
	"air conditioning",
	"elevator",
	"furnished",
}

var compactCategories = map[string]bool{
	"studio":            true,
	"room":              true,
	"shared":            true,
	"studio apartment":  true,
	"shared apartment":  true,
	"bedsit":            true,
	"student residence": true,
}

var ErrInvalidListing = errors.New("invalid listing")

// Result is the outcome of scoring one listing for one seeker.
type Result struct {
	ListingID string   `json:"listing_id"`
	OwnerID   string   `json:"owner_id"`
	Score     float64  `json:"score"`
	Reasons   []string `json:"reasons"`
}

// Engine scores listings against seeker criteria.
type Engine struct {
	logf func(format string, args ...any)
}

func NewEngine() *Engine {
	return &Engine{logf: log.Printf}
}

// Best returns the highest-scoring listing. Equal scores keep the listing
// seen first. ok is false only when listings is empty.
func (e *Engine) Best(seeker market.SeekerProfile, listings []market.ListingProfile) (best Result, ok bool) {
	for i, l := range listings {
		r := e.scoreOrZero(seeker, l)
		if i == 0 || r.Score > best.Score {
			best = r
		}
	}
	return best, len(listings) > 0
}

// Rank scores every listing and orders them by descending score, keeping
// input order among equals.
func (e *Engine) Rank(seeker market.SeekerProfile, listings []market.ListingProfile) []Result {
	out := make([]Result, 0, len(listings))
	for _, l := range listings {
		out = append(out, e.scoreOrZero(seeker, l))
	}
	// insertion sort: stable and the catalogs are small
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (e *Engine) scoreOrZero(seeker market.SeekerProfile, l market.ListingProfile) Result {
	r, err := e.Score(seeker, l)
	if err != nil {
		e.logf("[matching] score listing %s for seeker %s: %v", l.ID, seeker.ID, err)
		return Result{
			ListingID: l.ID,
			OwnerID:   l.OwnerID,
			Score:     0,
			Reasons:   []string{"scoring failed: " + err.Error()},
		}
	}
	return r
}

// Score applies the weight table. It is a pure function of its inputs.
func (e *Engine) Score(seeker market.SeekerProfile, l market.ListingProfile) (r Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while scoring: %v", p)
		}
	}()

	if err := validateListing(l); err != nil {
		return Result{}, err
	}

	r = Result{ListingID: l.ID, OwnerID: l.OwnerID}
	add := func(points float64, reason string) {
		r.Score += points
		if reason != "" {
			r.Reasons = append(r.Reasons, reason)
		}
	}

	add(budgetPoints(seeker, l))
	add(bedroomPoints(seeker, l))
	add(locationPoints(seeker, l))
	add(petPoints(seeker, l))
	add(smokingPoints(seeker, l))
	add(studentPoints(seeker, l))
	add(typePoints(seeker, l))
	add(amenityPoints(l))

	r.Score = math.Max(0, math.Min(100, r.Score))
	return r, nil
}

func validateListing(l market.ListingProfile) error {
	switch {
	case strings.TrimSpace(l.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidListing)
	case math.IsNaN(l.Rent) || math.IsInf(l.Rent, 0) || l.Rent < 0:
		return fmt.Errorf("%w: rent %v", ErrInvalidListing, l.Rent)
	case l.Bedrooms < 0:
		return fmt.Errorf("%w: bedrooms %d", ErrInvalidListing, l.Bedrooms)
	}
	return nil
}

func budgetPoints(s market.SeekerProfile, l market.ListingProfile) (float64, string) {
	if s.BudgetMax <= 0 {
		return 0, ""
	}
	switch {
	case l.Rent <= s.BudgetMax*budgetComfortRatio:
		return 30, fmt.Sprintf("rent %.0f is comfortably within budget %.0f", l.Rent, s.BudgetMax)
	case l.Rent <= s.BudgetMax:
		return 20, fmt.Sprintf("rent %.0f is within budget %.0f", l.Rent, s.BudgetMax)
	}
	return 0, ""
}

func bedroomPoints(s market.SeekerProfile, l market.ListingProfile) (float64, string) {
	lo, hi := s.MinBedrooms, s.MaxBedrooms
	if hi < lo {
		hi = lo
	}
	switch {
	case l.Bedrooms >= lo && l.Bedrooms <= hi:
		return 20, fmt.Sprintf("%d bedrooms fits the %d-%d range", l.Bedrooms, lo, hi)
	case l.Bedrooms == lo-1 || l.Bedrooms == hi+1:
		return 10, fmt.Sprintf("%d bedrooms is one off the %d-%d range", l.Bedrooms, lo, hi)
	}
	return 0, ""
}

func locationPoints(s market.SeekerProfile, l market.ListingProfile) (float64, string) {
	area := normalize(l.Location.Area)
	best := 0.0
	reason := ""
	for _, pref := range s.PreferredLocations {
		if p := normalize(pref.Area); p != "" && area != "" {
			if p == area {
				return 20, "located in preferred area " + l.Location.Area
			}
			if best < 10 && (strings.Contains(area, p) || strings.Contains(p, area)) {
				best, reason = 10, fmt.Sprintf("area %s partially matches %s", l.Location.Area, pref.Area)
			}
		}
		if pref.HasCoords() && l.Location.HasCoords() {
			d := haversineKm(*pref.Lat, *pref.Lng, *l.Location.Lat, *l.Location.Lng)
			if d <= exactRadiusKm {
				return 20, fmt.Sprintf("%.1f km from a preferred location", d)
			}
			if d <= partialRadiusKm && best < 10 {
				best, reason = 10, fmt.Sprintf("%.1f km from a preferred location", d)
			}
		}
	}
	return best, reason
}

func petPoints(s market.SeekerProfile, l market.ListingProfile) (float64, string) {
	if !s.HasPets {
		return 5, ""
	}
	if l.PetsAllowed {
		return 10, "pets allowed"
	}
	return 0, ""
}

func smokingPoints(s market.SeekerProfile, l market.ListingProfile) (float64, string) {
	if !s.Smoker {
		return 2, ""
	}
	if l.SmokingAllowed {
		return 5, "smoking allowed"
	}
	return 0, ""
}

func studentPoints(s market.SeekerProfile, l market.ListingProfile) (float64, string) {
	if !s.IsStudent {
		return 2, ""
	}
	if l.StudentFriendly {
		return 5, "student friendly"
	}
	return 0, ""
}

func typePoints(s market.SeekerProfile, l market.ListingProfile) (float64, string) {
	category := normalize(l.Category)
	occupants := s.Occupants
	if occupants < 1 {
		occupants = 1
	}
	large := category == "house" || category == "townhouse"
	midsize := category == "apartment" || category == "flat" || large

	switch {
	case s.IsStudent && (compactCategories[category] || l.Bedrooms <= 1):
		return maxTypePoints, "compact unit suits a student"
	case occupants >= 3 && (large || l.Bedrooms >= occupants-1):
		return maxTypePoints, fmt.Sprintf("room for %d occupants", occupants)
	case occupants == 2 && midsize && l.Bedrooms >= 1:
		return 7, "suits two occupants"
	case occupants == 1 && !s.IsStudent && (category == "studio" || category == "apartment" || category == "flat"):
		return 5, "suits a single occupant"
	}
	return 0, ""
}

func amenityPoints(l market.ListingProfile) (float64, string) {
	var found []string
	for _, a := range highValueAmenities {
		if l.HasAmenity(a) {
			found = append(found, a)
		}
	}
	if len(found) == 0 {
		return 0, ""
	}
	points := math.Min(float64(len(found)), maxAmenityPoints)
	return points, "amenities: " + strings.Join(found, ", ")
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
