// Package discovery ranks and filters registry descriptors against free-text
// queries. Results are deterministic: the same query against an unchanged
// registry always returns the same order.
package discovery

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"mcporch/internal/domain"
	"mcporch/internal/infra/registry"
)

const (
	tokenMatchWeight = 4
	textMatchWeight  = 1
)

type Service struct {
	registry *registry.Registry
	logger   *zap.Logger
}

func NewService(reg *registry.Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: reg,
		logger:   logger.Named("discovery"),
	}
}

// List returns descriptors matching the query and visibility constraint.
// When visibility is empty, opt_in and experimental descriptors are excluded:
// non-default tiers must be asked for explicitly, mirroring the opt-in
// execution rule.
func (s *Service) List(query string, visibility domain.Visibility) []domain.ServerDescriptor {
	var visible []domain.ServerDescriptor
	for _, desc := range s.registry.All() {
		if visibility != "" {
			if desc.Visibility != visibility {
				continue
			}
		} else if desc.Visibility != domain.VisibilityDefault {
			continue
		}
		visible = append(visible, desc)
	}

	tokens := tokenize(query)
	if len(tokens) == 0 {
		sortByPriority(visible)
		return visible
	}

	type scored struct {
		desc  domain.ServerDescriptor
		score int
	}
	var matched []scored
	for _, desc := range visible {
		if score := scoreDescriptor(desc, tokens); score > 0 {
			matched = append(matched, scored{desc: desc, score: score})
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score > matched[j].score
		}
		if matched[i].desc.Priority != matched[j].desc.Priority {
			return matched[i].desc.Priority > matched[j].desc.Priority
		}
		return matched[i].desc.ID < matched[j].desc.ID
	})

	out := make([]domain.ServerDescriptor, 0, len(matched))
	for _, m := range matched {
		out = append(out, m.desc)
	}
	return out
}

// scoreDescriptor sums per-token scores. An exact domain/tag token match
// outweighs free-text overlap in the title or summary.
func scoreDescriptor(desc domain.ServerDescriptor, tokens []string) int {
	title := strings.ToLower(desc.Title)
	summary := strings.ToLower(desc.Summary)

	score := 0
	for _, token := range tokens {
		if containsToken(desc.Domains, token) || containsToken(desc.Tags, token) {
			score += tokenMatchWeight
		}
		if strings.Contains(title, token) || strings.Contains(summary, token) {
			score += textMatchWeight
		}
		if strings.Contains(desc.ID, token) {
			score += textMatchWeight
		}
	}
	return score
}

func containsToken(values []string, token string) bool {
	for _, v := range values {
		if v == token {
			return true
		}
	}
	return false
}

func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', ';', '/':
			return true
		}
		return false
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func sortByPriority(descriptors []domain.ServerDescriptor) {
	sort.Slice(descriptors, func(i, j int) bool {
		if descriptors[i].Priority != descriptors[j].Priority {
			return descriptors[i].Priority > descriptors[j].Priority
		}
		return descriptors[i].ID < descriptors[j].ID
	})
}
