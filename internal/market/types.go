package market

import "strings"

// Location is either a named area, a coordinate pair, or both.
type Location struct {
	Area string   `yaml:"area,omitempty" json:"area,omitempty"`
	Lat  *float64 `yaml:"lat,omitempty" json:"lat,omitempty"`
	Lng  *float64 `yaml:"lng,omitempty" json:"lng,omitempty"`
}

func (l Location) HasCoords() bool {
	return l.Lat != nil && l.Lng != nil
}

func (l Location) String() string {
	if l.Area != "" {
		return l.Area
	}
	return "unnamed location"
}

// SeekerProfile is what a space-seeker is looking for.
type SeekerProfile struct {
	ID                 string     `yaml:"id" json:"id"`
	Name               string     `yaml:"name" json:"name"`
	BudgetMin          float64    `yaml:"budget_min" json:"budget_min"`
	BudgetMax          float64    `yaml:"budget_max" json:"budget_max"`
	MinBedrooms        int        `yaml:"min_bedrooms" json:"min_bedrooms"`
	MaxBedrooms        int        `yaml:"max_bedrooms" json:"max_bedrooms"`
	PreferredLocations []Location `yaml:"preferred_locations" json:"preferred_locations"`
	IsStudent          bool       `yaml:"student" json:"student"`
	HasPets            bool       `yaml:"pets" json:"pets"`
	Smoker             bool       `yaml:"smoker" json:"smoker"`
	Occupants          int        `yaml:"occupants" json:"occupants"`
}

// ListingProfile is a rentable unit owned by OwnerID.
type ListingProfile struct {
	ID              string   `yaml:"id" json:"id"`
	OwnerID         string   `yaml:"owner_id" json:"owner_id"`
	Title           string   `yaml:"title" json:"title"`
	Location        Location `yaml:"location" json:"location"`
	Rent            float64  `yaml:"rent" json:"rent"`
	Bedrooms        int      `yaml:"bedrooms" json:"bedrooms"`
	Bathrooms       int      `yaml:"bathrooms" json:"bathrooms"`
	Category        string   `yaml:"category" json:"category"`
	Amenities       []string `yaml:"amenities" json:"amenities"`
	PetsAllowed     bool     `yaml:"pets_allowed" json:"pets_allowed"`
	SmokingAllowed  bool     `yaml:"smoking_allowed" json:"smoking_allowed"`
	StudentFriendly bool     `yaml:"student_friendly" json:"student_friendly"`
}

// HasAmenity matches case-insensitively.
func (l ListingProfile) HasAmenity(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, a := range l.Amenities {
		if strings.ToLower(strings.TrimSpace(a)) == name {
			return true
		}
	}
	return false
}

// OwnerPreferences are an owner's standing negotiation terms.
type OwnerPreferences struct {
	NoPets         bool   `yaml:"no_pets" json:"no_pets"`
	NoSmokers      bool   `yaml:"no_smokers" json:"no_smokers"`
	MinLeaseMonths int    `yaml:"min_lease_months" json:"min_lease_months"`
	Notes          string `yaml:"notes" json:"notes"`
}

// OwnerProfile is a space-owner and the listings they offer.
type OwnerProfile struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name" json:"name"`
	ListingIDs  []string         `yaml:"listings" json:"listings"`
	Preferences OwnerPreferences `yaml:"preferences" json:"preferences"`
}

// ListingFilter narrows Listings. Zero values do not filter.
type ListingFilter struct {
	OwnerID     string
	MaxRent     float64
	MinBedrooms int
	Area        string
}

func (f ListingFilter) matches(l ListingProfile) bool {
	if f.OwnerID != "" && l.OwnerID != f.OwnerID {
		return false
	}
	if f.MaxRent > 0 && l.Rent > f.MaxRent {
		return false
	}
	if f.MinBedrooms > 0 && l.Bedrooms < f.MinBedrooms {
		return false
	}
	if f.Area != "" && !strings.EqualFold(strings.TrimSpace(l.Location.Area), strings.TrimSpace(f.Area)) {
		return false
	}
	return true
}
