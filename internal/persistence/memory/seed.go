package memory

import (
	"encoding/json"
	"fmt"
	"os"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/geo"
	"example.com/attendance/internal/reliability"
)

// Seed is the on-disk fixture format for local development.
type Seed struct {
	Users []SeedUser `json:"users"`
	Gyms  []SeedGym  `json:"gyms"`
}

// SeedUser describes a user fixture.
type SeedUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	TotalPoints int    `json:"totalPoints"`
}

// SeedGym describes a gym fixture.
type SeedGym struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Location            *geo.Coordinate `json:"location"`
	CheckInRadiusMeters float64         `json:"checkInRadiusMeters"`
	AutoExpireMinutes   int             `json:"autoExpireMinutes"`
}

// ReadSeed decodes a JSON fixture file.
func ReadSeed(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed %s: %w", path, err)
	}
	return seed, nil
}

// LoadSeedFile reads a JSON fixture into the store.
func (s *Store) LoadSeedFile(path string) error {
	seed, err := ReadSeed(path)
	if err != nil {
		return err
	}
	s.Load(seed)
	return nil
}

// Load applies seed to the store, leaving existing documents with other IDs untouched.
func (s *Store) Load(seed Seed) {
	for _, u := range seed.DomainUsers() {
		s.PutUser(u)
	}
	for _, g := range seed.DomainGyms() {
		s.PutGym(g)
	}
}

// DomainUsers converts the user fixtures into fresh user documents.
func (seed Seed) DomainUsers() []domain.User {
	out := make([]domain.User, 0, len(seed.Users))
	for _, u := range seed.Users {
		out = append(out, domain.User{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			TotalPoints: u.TotalPoints,
			Reliability: reliability.NewRecord(),
		})
	}
	return out
}

// DomainGyms converts the gym fixtures into gym documents with zeroed counters.
func (seed Seed) DomainGyms() []domain.Gym {
	out := make([]domain.Gym, 0, len(seed.Gyms))
	for _, g := range seed.Gyms {
		out = append(out, domain.Gym{
			ID:                  g.ID,
			Name:                g.Name,
			Location:            g.Location,
			CheckInRadiusMeters: g.CheckInRadiusMeters,
			AutoExpireMinutes:   g.AutoExpireMinutes,
		})
	}
	return out
}
