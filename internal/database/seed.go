package database

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/flowpbx/callcard/internal/database/models"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document used to populate the directory.
type SeedFile struct {
	Contacts []SeedContact `yaml:"contacts"`
	Prefixes []SeedPrefix  `yaml:"prefixes"`
}

// SeedContact is a contact entry in a seed file. Photo is a path relative
// to the seed file.
type SeedContact struct {
	Name     string `yaml:"name"`
	Number   string `yaml:"number"`
	Location string `yaml:"location"`
	Label    string `yaml:"label"`
	Photo    string `yaml:"photo"`
}

// SeedPrefix is a number plan entry in a seed file.
type SeedPrefix struct {
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	City   string `yaml:"city"`
}

// SeedStats counts what a seed run wrote.
type SeedStats struct {
	Contacts int
	Photos   int
	Prefixes int
}

// ParseSeed decodes a seed document and checks required fields.
func ParseSeed(data []byte) (*SeedFile, error) {
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parsing seed yaml: %w", err)
	}
	for i, c := range sf.Contacts {
		if c.Name == "" || NormalizeNumber(c.Number) == "" {
			return nil, fmt.Errorf("seed contact %d: name and number are required", i)
		}
	}
	for i, p := range sf.Prefixes {
		if NormalizeNumber(p.Prefix) == "" {
			return nil, fmt.Errorf("seed prefix %d: prefix is required", i)
		}
	}
	return &sf, nil
}

// SeedFromFile loads the seed document at path into the directory. Contacts
// are matched by number, so running the same seed twice updates rather than
// duplicates.
func SeedFromFile(ctx context.Context, path string, contacts ContactRepository, prefixes PrefixRepository) (SeedStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedStats{}, fmt.Errorf("reading seed file: %w", err)
	}
	sf, err := ParseSeed(data)
	if err != nil {
		return SeedStats{}, err
	}
	return Seed(ctx, sf, filepath.Dir(path), contacts, prefixes)
}

// Seed writes sf into the directory. Photo paths are resolved against
// baseDir.
func Seed(ctx context.Context, sf *SeedFile, baseDir string, contacts ContactRepository, prefixes PrefixRepository) (SeedStats, error) {
	var stats SeedStats

	for _, sp := range sf.Prefixes {
		p := models.NumberPrefix{Prefix: sp.Prefix, Region: sp.Region, City: sp.City}
		if err := prefixes.Upsert(ctx, &p); err != nil {
			return stats, err
		}
		stats.Prefixes++
	}

	for _, sc := range sf.Contacts {
		c, err := upsertContact(ctx, contacts, sc)
		if err != nil {
			return stats, err
		}
		stats.Contacts++

		if sc.Photo == "" {
			continue
		}
		photoPath := sc.Photo
		if !filepath.IsAbs(photoPath) {
			photoPath = filepath.Join(baseDir, photoPath)
		}
		data, err := os.ReadFile(photoPath)
		if err != nil {
			return stats, fmt.Errorf("reading photo for %s: %w", sc.Name, err)
		}
		if err := contacts.SetPhoto(ctx, &models.ContactPhoto{
			ContactID:   c.ID,
			ContentType: http.DetectContentType(data),
			Data:        data,
		}); err != nil {
			return stats, err
		}
		stats.Photos++
	}

	return stats, nil
}

func upsertContact(ctx context.Context, repo ContactRepository, sc SeedContact) (*models.Contact, error) {
	number := NormalizeNumber(sc.Number)
	existing, err := repo.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	c := &models.Contact{
		Name:     sc.Name,
		Number:   number,
		Location: sc.Location,
		Label:    sc.Label,
	}
	if existing != nil && existing.Number == number {
		c.ID = existing.ID
		return c, repo.Update(ctx, c)
	}
	return c, repo.Create(ctx, c)
}
