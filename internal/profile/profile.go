// Package profile supplies the freelancer profile summary used for scoring.
package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spigell/upwork-harvester/internal/jobs"
)

// Provider hands out the current profile. Callers treat the result as read-only.
type Provider interface {
	Profile(ctx context.Context) (jobs.ProfileSummary, error)
}

// File reads the profile from a YAML document every time it is asked, so edits
// are picked up by the next scoring run.
type File struct {
	Path string
}

func (f File) Profile(context.Context) (jobs.ProfileSummary, error) {
	return Load(f.Path)
}

// Static always returns the same profile.
type Static jobs.ProfileSummary

func (s Static) Profile(context.Context) (jobs.ProfileSummary, error) {
	return jobs.ProfileSummary(s), nil
}

// Load parses a profile file. Environment references like ${USER_ID} are
// expanded before parsing.
func Load(path string) (jobs.ProfileSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return jobs.ProfileSummary{}, fmt.Errorf("read profile: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (jobs.ProfileSummary, error) {
	var p jobs.ProfileSummary
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &p); err != nil {
		return jobs.ProfileSummary{}, fmt.Errorf("parse profile: %w", err)
	}

	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" && len(p.Skills) == 0 {
		return jobs.ProfileSummary{}, errors.New("profile needs a title or skills to score against")
	}
	if p.PastApplicationsCount < 0 || p.CatalogItemsCount < 0 {
		return jobs.ProfileSummary{}, errors.New("profile counters must not be negative")
	}

	skills := p.Skills[:0]
	for _, s := range p.Skills {
		if s = strings.TrimSpace(s); s != "" {
			skills = append(skills, s)
		}
	}
	p.Skills = skills

	return p, nil
}
