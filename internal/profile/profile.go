// Package profile keeps the personal health context of authenticated users:
// conditions, medications, allergies, free-form facts and a few basics. Entries
// are added by hand through the API or extracted from chat messages, and a
// short summary of them is given to the model on personal questions.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"medibot/internal/audit"
	"medibot/internal/models"
)

const (
	// MaxItems caps each list so a runaway extractor cannot grow a profile forever.
	MaxItems      = 50
	MaxItemLength = 200
)

var (
	ErrNoProfile    = errors.New("health profile not found")
	ErrItemNotFound = errors.New("health profile entry not found")
	ErrUnknownKind  = errors.New("unknown health profile list")
	ErrEmptyItem    = errors.New("health profile entry is empty")
)

type Service struct {
	store  *Store
	audit  audit.Recorder
	logger *slog.Logger
	now    func() time.Time
}

func New(store *Store, rec audit.Recorder, logger *slog.Logger) *Service {
	if rec == nil {
		rec = audit.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		audit:  rec,
		logger: logger.With("component", "profile"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the owner's profile, or an empty one if nothing was saved.
func (s *Service) Get(ctx context.Context, ownerID string) (*models.HealthProfile, error) {
	p, err := s.store.Get(ctx, ownerID)
	if errors.Is(err, ErrNoProfile) {
		return &models.HealthProfile{}, nil
	}
	return p, err
}

// AddItem appends item to the kind list. Adding a name already on the list,
// compared case-insensitively, is a no-op and reports false.
func (s *Service) AddItem(ctx context.Context, ownerID string, kind models.ProfileKind, item models.ProfileItem) (*models.HealthProfile, bool, error) {
	if (&models.HealthProfile{}).List(kind) == nil {
		return nil, false, ErrUnknownKind
	}
	item.Name = clip(item.Name)
	item.Dosage = clip(item.Dosage)
	if item.Name == "" {
		return nil, false, ErrEmptyItem
	}
	if item.Source == "" {
		item.Source = models.SourceManual
	}
	now := s.now()
	item.AddedAt = now

	var added bool
	p, err := s.store.Update(ctx, ownerID, now, func(p *models.HealthProfile) bool {
		added = addItem(p.List(kind), item)
		return added
	})
	if err != nil {
		return nil, false, err
	}
	if added {
		s.record(ownerID, "item_added", map[string]string{"list": string(kind), "source": item.Source})
	}
	return p, added, nil
}

// RemoveItem deletes the entry named name from the kind list.
func (s *Service) RemoveItem(ctx context.Context, ownerID string, kind models.ProfileKind, name string) (*models.HealthProfile, error) {
	if (&models.HealthProfile{}).List(kind) == nil {
		return nil, ErrUnknownKind
	}
	if _, err := s.store.Get(ctx, ownerID); err != nil {
		if errors.Is(err, ErrNoProfile) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	var removed bool
	p, err := s.store.Update(ctx, ownerID, s.now(), func(p *models.HealthProfile) bool {
		list := p.List(kind)
		for i, it := range *list {
			if strings.EqualFold(it.Name, strings.TrimSpace(name)) {
				*list = append((*list)[:i], (*list)[i+1:]...)
				removed = true
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, ErrItemNotFound
	}
	s.record(ownerID, "item_removed", map[string]string{"list": string(kind)})
	return p, nil
}

// UpdateBasics sets the non-nil scalar fields. An empty string clears a field.
func (s *Service) UpdateBasics(ctx context.Context, ownerID string, b models.ProfileBasics) (*models.HealthProfile, error) {
	var fields []string
	p, err := s.store.Update(ctx, ownerID, s.now(), func(p *models.HealthProfile) bool {
		if b.Age != nil && (p.Age == nil || *p.Age != *b.Age) {
			age := *b.Age
			p.Age = &age
			fields = append(fields, "age")
		}
		if b.Gender != nil && p.Gender != strings.TrimSpace(*b.Gender) {
			p.Gender = strings.TrimSpace(*b.Gender)
			fields = append(fields, "gender")
		}
		if b.BloodType != nil && p.BloodType != strings.TrimSpace(*b.BloodType) {
			p.BloodType = strings.TrimSpace(*b.BloodType)
			fields = append(fields, "blood_type")
		}
		return len(fields) > 0
	})
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		s.record(ownerID, "basics_updated", map[string]string{"fields": strings.Join(fields, ",")})
	}
	return p, nil
}

// Delete forgets the whole profile.
func (s *Service) Delete(ctx context.Context, ownerID string) error {
	existed, err := s.store.Delete(ctx, ownerID)
	if err != nil {
		return err
	}
	if !existed {
		return ErrNoProfile
	}
	s.record(ownerID, "profile_deleted", nil)
	return nil
}

// Apply merges extracted facts into the profile and returns how many entries
// changed.
func (s *Service) Apply(ctx context.Context, ownerID string, facts models.ExtractedFacts, source string) (int, error) {
	now := s.now()
	item := func(name, dosage string) models.ProfileItem {
		return models.ProfileItem{Name: clip(name), Dosage: clip(dosage), Source: source, AddedAt: now}
	}
	var changed int
	_, err := s.store.Update(ctx, ownerID, now, func(p *models.HealthProfile) bool {
		for _, c := range facts.Conditions {
			if addItem(&p.Conditions, item(c, "")) {
				changed++
			}
		}
		for _, m := range facts.Medications {
			if addItem(&p.Medications, item(m.Name, m.Dosage)) {
				changed++
			}
		}
		for _, a := range facts.Allergies {
			if addItem(&p.Allergies, item(a, "")) {
				changed++
			}
		}
		for _, f := range facts.KeyFacts {
			if addItem(&p.KeyFacts, item(f, "")) {
				changed++
			}
		}
		if facts.Age != nil && *facts.Age > 0 && *facts.Age <= 130 && (p.Age == nil || *p.Age != *facts.Age) {
			age := *facts.Age
			p.Age = &age
			changed++
		}
		if facts.Gender != nil {
			if g := clip(*facts.Gender); g != "" && g != p.Gender {
				p.Gender = g
				changed++
			}
		}
		return changed > 0
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		s.record(ownerID, "facts_extracted", map[string]string{"source": source, "count": fmt.Sprint(changed)})
	}
	return changed, nil
}

// ContextSummary renders the owner's profile for the model, or "" when there
// is nothing to say.
func (s *Service) ContextSummary(ctx context.Context, ownerID string) (string, error) {
	p, err := s.store.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrNoProfile) {
			return "", nil
		}
		return "", err
	}
	return Summary(p), nil
}

// Summary formats p as the block placed in the model's system context.
func Summary(p *models.HealthProfile) string {
	if p == nil || p.Empty() {
		return ""
	}
	var lines []string
	if len(p.Conditions) > 0 {
		lines = append(lines, "• Medical conditions: "+joinNames(p.Conditions, ", "))
	}
	if len(p.Medications) > 0 {
		lines = append(lines, "• Current medications: "+joinNames(p.Medications, ", "))
	}
	if len(p.Allergies) > 0 {
		lines = append(lines, "• Known allergies: "+joinNames(p.Allergies, ", "))
	}
	var basics []string
	if p.Age != nil {
		basics = append(basics, fmt.Sprintf("Age: %d", *p.Age))
	}
	if p.Gender != "" {
		basics = append(basics, "Gender: "+p.Gender)
	}
	if p.BloodType != "" {
		basics = append(basics, "Blood type: "+p.BloodType)
	}
	if len(basics) > 0 {
		lines = append(lines, "• "+strings.Join(basics, ", "))
	}
	if len(p.KeyFacts) > 0 {
		lines = append(lines, "• Other relevant information: "+joinNames(p.KeyFacts, "; "))
	}
	return "=== USER HEALTH CONTEXT ===\n" + strings.Join(lines, "\n") + "\n==========================="
}

func (s *Service) record(ownerID, action string, details map[string]string) {
	s.audit.Record(models.AuditEvent{
		Type:     models.AuditProfile,
		Action:   action,
		ActorID:  ownerID,
		Severity: models.SeverityInfo,
		Details:  details,
	})
}

func addItem(list *[]models.ProfileItem, item models.ProfileItem) bool {
	if item.Name == "" || len(*list) >= MaxItems {
		return false
	}
	for _, it := range *list {
		if strings.EqualFold(it.Name, item.Name) {
			return false
		}
	}
	*list = append(*list, item)
	return true
}

func joinNames(items []models.ProfileItem, sep string) string {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
		if it.Dosage != "" {
			names[i] += " " + it.Dosage
		}
	}
	return strings.Join(names, sep)
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxItemLength {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:MaxItemLength]))
}
