// Package onboarding derives industry onboarding roadmaps and checklists.
package onboarding

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed roadmaps.yaml
var roadmapsYAML []byte

const DefaultIndustry = "other"

type Step struct {
	ID                string `yaml:"id" json:"id"`
	Title             string `yaml:"title" json:"title"`
	Description       string `yaml:"description" json:"description"`
	CTA               string `yaml:"cta" json:"cta"`
	Href              string `yaml:"href" json:"href"`
	Priority          string `yaml:"priority" json:"priority"`
	Category          string `yaml:"category" json:"category"`
	EstimatedMinutes  int    `yaml:"minutes" json:"estimatedMinutes"`
	AutomationTrigger string `yaml:"automation_trigger" json:"automationTrigger,omitempty"`
}

type Phase struct {
	ID            string `yaml:"id" json:"id"`
	Title         string `yaml:"title" json:"title"`
	Description   string `yaml:"description" json:"description"`
	EstimatedDays int    `yaml:"estimated_days" json:"estimatedDays"`
	Steps         []Step `yaml:"steps" json:"steps"`
}

type Roadmap struct {
	IndustryID        string   `yaml:"id" json:"industryId"`
	IndustryName      string   `yaml:"name" json:"industryName"`
	Tagline           string   `yaml:"tagline" json:"tagline"`
	TimeToOperational string   `yaml:"time_to_operational" json:"estimatedTimeToOperational"`
	KeyFrameworks     []string `yaml:"key_frameworks" json:"keyFrameworks"`
	Phases            []Phase  `yaml:"phases" json:"phases"`
}

// TotalSteps counts steps across all phases.
func (r Roadmap) TotalSteps() int {
	n := 0
	for _, p := range r.Phases {
		n += len(p.Steps)
	}
	return n
}

func (r Roadmap) TotalEstimatedDays() int {
	n := 0
	for _, p := range r.Phases {
		n += p.EstimatedDays
	}
	return n
}

func (r Roadmap) StepsByCategory(category string) []Step {
	return r.filter(func(s Step) bool { return s.Category == category })
}

func (r Roadmap) StepsByPriority(priority string) []Step {
	return r.filter(func(s Step) bool { return s.Priority == priority })
}

func (r Roadmap) filter(keep func(Step) bool) []Step {
	var out []Step
	for _, p := range r.Phases {
		for _, s := range p.Steps {
			if keep(s) {
				out = append(out, s)
			}
		}
	}
	return out
}

var (
	loadOnce sync.Once
	roadmaps []Roadmap
	byID     map[string]Roadmap
	loadErr  error
)

func load() error {
	loadOnce.Do(func() {
		var doc struct {
			Industries []Roadmap `yaml:"industries"`
		}
		if err := yaml.Unmarshal(roadmapsYAML, &doc); err != nil {
			loadErr = fmt.Errorf("decode roadmaps: %w", err)
			return
		}
		byID = make(map[string]Roadmap, len(doc.Industries))
		for _, r := range doc.Industries {
			byID[r.IndustryID] = r
		}
		if _, ok := byID[DefaultIndustry]; !ok {
			loadErr = fmt.Errorf("roadmaps: missing %q industry", DefaultIndustry)
			return
		}
		roadmaps = doc.Industries
	})
	return loadErr
}

// RoadmapFor returns the roadmap for industry, falling back to the default.
func RoadmapFor(industry string) Roadmap {
	if err := load(); err != nil {
		panic(err)
	}
	if r, ok := byID[industry]; ok {
		return r
	}
	return byID[DefaultIndustry]
}

// Industries lists every roadmap in declaration order.
func Industries() []Roadmap {
	if err := load(); err != nil {
		panic(err)
	}
	out := make([]Roadmap, len(roadmaps))
	copy(out, roadmaps)
	return out
}
