package market

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("not found")

// Catalog is the read-only lookup surface over seekers, owners and listings.
type Catalog interface {
	Seekers() []SeekerProfile
	Seeker(id string) (SeekerProfile, error)
	Owner(id string) (OwnerProfile, error)
	Listing(id string) (ListingProfile, error)
	Listings(filter ListingFilter) []ListingProfile
}

type catalogFile struct {
	Seekers  []SeekerProfile  `yaml:"seekers"`
	Owners   []OwnerProfile   `yaml:"owners"`
	Listings []ListingProfile `yaml:"listings"`
}

// StaticCatalog is an in-memory Catalog. Insertion order is preserved so
// listing order (and therefore match tie-breaks) is reproducible.
type StaticCatalog struct {
	seekers  []SeekerProfile
	owners   []OwnerProfile
	listings []ListingProfile

	seekerIdx  map[string]int
	ownerIdx   map[string]int
	listingIdx map[string]int
}

func NewStaticCatalog(seekers []SeekerProfile, owners []OwnerProfile, listings []ListingProfile) (*StaticCatalog, error) {
	c := &StaticCatalog{
		seekerIdx:  make(map[string]int, len(seekers)),
		ownerIdx:   make(map[string]int, len(owners)),
		listingIdx: make(map[string]int, len(listings)),
	}
	for _, s := range seekers {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, fmt.Errorf("seeker %q: id is required", s.Name)
		}
		if _, dup := c.seekerIdx[id]; dup {
			return nil, fmt.Errorf("duplicate seeker id %q", id)
		}
		c.seekerIdx[id] = len(c.seekers)
		c.seekers = append(c.seekers, s)
	}
	for _, o := range owners {
		id := strings.TrimSpace(o.ID)
		if id == "" {
			return nil, fmt.Errorf("owner %q: id is required", o.Name)
		}
		if _, dup := c.ownerIdx[id]; dup {
			return nil, fmt.Errorf("duplicate owner id %q", id)
		}
		c.ownerIdx[id] = len(c.owners)
		c.owners = append(c.owners, o)
	}
	for _, l := range listings {
		id := strings.TrimSpace(l.ID)
		if id == "" {
			return nil, fmt.Errorf("listing %q: id is required", l.Title)
		}
		if _, dup := c.listingIdx[id]; dup {
			return nil, fmt.Errorf("duplicate listing id %q", id)
		}
		c.listingIdx[id] = len(c.listings)
		c.listings = append(c.listings, l)
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog file with seekers/owners/listings keys.
func LoadCatalog(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*StaticCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewStaticCatalog(f.Seekers, f.Owners, f.Listings)
}

func (c *StaticCatalog) Seekers() []SeekerProfile {
	return append([]SeekerProfile(nil), c.seekers...)
}

func (c *StaticCatalog) Seeker(id string) (SeekerProfile, error) {
	i, ok := c.seekerIdx[id]
	if !ok {
		return SeekerProfile{}, fmt.Errorf("seeker %s: %w", id, ErrNotFound)
	}
	return c.seekers[i], nil
}

func (c *StaticCatalog) Owner(id string) (OwnerProfile, error) {
	i, ok := c.ownerIdx[id]
	if !ok {
		return OwnerProfile{}, fmt.Errorf("owner %s: %w", id, ErrNotFound)
	}
	return c.owners[i], nil
}

func (c *StaticCatalog) Listing(id string) (ListingProfile, error) {
	i, ok := c.listingIdx[id]
	if !ok {
		return ListingProfile{}, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return c.listings[i], nil
}

func (c *StaticCatalog) Listings(filter ListingFilter) []ListingProfile {
	out := make([]ListingProfile, 0, len(c.listings))
	for _, l := range c.listings {
		if filter.matches(l) {
			out = append(out, l)
		}
	}
	return out
}
