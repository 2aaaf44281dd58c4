package models

import "time"

// ProfileKind names one list in a HealthProfile.
type ProfileKind string

const (
	ProfileConditions  ProfileKind = "conditions"
	ProfileMedications ProfileKind = "medications"
	ProfileAllergies   ProfileKind = "allergies"
	ProfileFacts       ProfileKind = "facts"
)

// Where a profile entry came from.
const (
	SourceManual = "manual"
	SourceChat   = "chat"
)

type ProfileItem struct {
	Name    string    `json:"name"`
	Dosage  string    `json:"dosage,omitempty"`
	Source  string    `json:"source"`
	AddedAt time.Time `json:"added_at"`
}

// HealthProfile is the personal context an authenticated user keeps for
// better answers. Key facts use ProfileItem.Name for their text.
type HealthProfile struct {
	Conditions  []ProfileItem `json:"conditions"`
	Medications []ProfileItem `json:"medications"`
	Allergies   []ProfileItem `json:"allergies"`
	KeyFacts    []ProfileItem `json:"key_facts"`
	Age         *int          `json:"age,omitempty"`
	Gender      string        `json:"gender,omitempty"`
	BloodType   string        `json:"blood_type,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// List returns the slice for kind, or nil for an unknown kind.
func (p *HealthProfile) List(kind ProfileKind) *[]ProfileItem {
	switch kind {
	case ProfileConditions:
		return &p.Conditions
	case ProfileMedications:
		return &p.Medications
	case ProfileAllergies:
		return &p.Allergies
	case ProfileFacts:
		return &p.KeyFacts
	}
	return nil
}

// Empty reports whether nothing has been recorded yet.
func (p *HealthProfile) Empty() bool {
	return len(p.Conditions) == 0 && len(p.Medications) == 0 && len(p.Allergies) == 0 &&
		len(p.KeyFacts) == 0 && p.Age == nil && p.Gender == "" && p.BloodType == ""
}

// ProfileBasics is a partial update of the scalar fields. Nil fields are left alone.
type ProfileBasics struct {
	Age       *int    `json:"age" binding:"omitempty,min=0,max=130"`
	Gender    *string `json:"gender" binding:"omitempty,max=32"`
	BloodType *string `json:"blood_type" binding:"omitempty,max=8"`
}

// ExtractedMedication is one medication named in a chat message.
type ExtractedMedication struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage"`
}

// ExtractedFacts is what the fact extractor found in a user message.
type ExtractedFacts struct {
	Conditions  []string              `json:"conditions"`
	Medications []ExtractedMedication `json:"medications"`
	Allergies   []string              `json:"allergies"`
	KeyFacts    []string              `json:"key_facts"`
	Age         *int                  `json:"age"`
	Gender      *string               `json:"gender"`
}
