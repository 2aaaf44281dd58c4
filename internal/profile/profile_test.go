package profile

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"medibot/internal/audit"
	"medibot/internal/config"
	"medibot/internal/metrics"
	"medibot/internal/models"
	"medibot/internal/storage"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) (*Service, *audit.Memory) {
	t.Helper()
	rec := &audit.Memory{}
	return New(NewStore(openTestDB(t), "sqlite3"), rec, nil), rec
}

func TestAddAndRemoveItems(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()

	p, err := svc.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, p.Empty())

	p, added, err := svc.AddItem(ctx, "user-1", models.ProfileMedications, models.ProfileItem{Name: " Metformin ", Dosage: "500mg"})
	require.NoError(t, err)
	assert.True(t, added)
	require.Len(t, p.Medications, 1)
	assert.Equal(t, "Metformin", p.Medications[0].Name)
	assert.Equal(t, models.SourceManual, p.Medications[0].Source)
	assert.False(t, p.Medications[0].AddedAt.IsZero())

	_, added, err = svc.AddItem(ctx, "user-1", models.ProfileMedications, models.ProfileItem{Name: "METFORMIN"})
	require.NoError(t, err)
	assert.False(t, added, "names are compared case-insensitively")

	_, _, err = svc.AddItem(ctx, "user-1", models.ProfileKind("hobbies"), models.ProfileItem{Name: "chess"})
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, _, err = svc.AddItem(ctx, "user-1", models.ProfileAllergies, models.ProfileItem{Name: "  "})
	assert.ErrorIs(t, err, ErrEmptyItem)

	_, err = svc.RemoveItem(ctx, "user-1", models.ProfileMedications, "aspirin")
	assert.ErrorIs(t, err, ErrItemNotFound)
	p, err = svc.RemoveItem(ctx, "user-1", models.ProfileMedications, "metformin")
	require.NoError(t, err)
	assert.Empty(t, p.Medications)

	_, err = svc.RemoveItem(ctx, "user-2", models.ProfileMedications, "metformin")
	assert.ErrorIs(t, err, ErrItemNotFound)
	_, err = svc.store.Get(ctx, "user-2")
	assert.ErrorIs(t, err, ErrNoProfile, "removing from a missing profile does not create one")

	events := rec.OfType(models.AuditProfile)
	require.Len(t, events, 2)
	assert.Equal(t, "item_added", events[0].Action)
	assert.Equal(t, "medications", events[0].Details["list"])
	assert.Equal(t, "item_removed", events[1].Action)
	for _, e := range events {
		assert.NotContains(t, e.Details, "name")
	}
}

func TestItemsAreCapped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	long := strings.Repeat("ए", MaxItemLength+20)
	p, _, err := svc.AddItem(ctx, "user-1", models.ProfileFacts, models.ProfileItem{Name: long})
	require.NoError(t, err)
	assert.Equal(t, MaxItemLength, len([]rune(p.KeyFacts[0].Name)))

	facts := models.ExtractedFacts{}
	for i := 0; i < MaxItems+5; i++ {
		facts.Conditions = append(facts.Conditions, "condition "+strings.Repeat("x", i+1))
	}
	n, err := svc.Apply(ctx, "user-1", facts, models.SourceChat)
	require.NoError(t, err)
	assert.Equal(t, MaxItems, n)
}

func TestUpdateBasicsAndDelete(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()

	age, gender := 42, "female"
	p, err := svc.UpdateBasics(ctx, "user-1", models.ProfileBasics{Age: &age, Gender: &gender})
	require.NoError(t, err)
	require.NotNil(t, p.Age)
	assert.Equal(t, 42, *p.Age)
	assert.Equal(t, "female", p.Gender)

	p, err = svc.UpdateBasics(ctx, "user-1", models.ProfileBasics{Age: &age})
	require.NoError(t, err)
	assert.Equal(t, "female", p.Gender, "nil fields are left alone")

	require.NoError(t, svc.Delete(ctx, "user-1"))
	assert.ErrorIs(t, svc.Delete(ctx, "user-1"), ErrNoProfile)

	var actions []string
	for _, e := range rec.OfType(models.AuditProfile) {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"basics_updated", "profile_deleted"}, actions)
}

func TestContextSummary(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.ContextSummary(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, out)

	age, gender := 58, "male"
	_, err = svc.Apply(ctx, "user-1", models.ExtractedFacts{
		Conditions:  []string{"Type 2 diabetes", "Hypertension"},
		Medications: []models.ExtractedMedication{{Name: "Metformin", Dosage: "500mg"}, {Name: "Lisinopril"}},
		Allergies:   []string{"Penicillin"},
		KeyFacts:    []string{"Smokes", "Walks daily"},
		Age:         &age,
		Gender:      &gender,
	}, models.SourceChat)
	require.NoError(t, err)

	out, err = svc.ContextSummary(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "=== USER HEALTH CONTEXT ===\n"+
		"• Medical conditions: Type 2 diabetes, Hypertension\n"+
		"• Current medications: Metformin 500mg, Lisinopril\n"+
		"• Known allergies: Penicillin\n"+
		"• Age: 58, Gender: male\n"+
		"• Other relevant information: Smokes; Walks daily\n"+
		"===========================", out)
}

type fakeGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	release chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, _ string, _ []*schema.Message) (string, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.err
}

func TestExtractParsesFencedReply(t *testing.T) {
	svc, rec := newTestService(t)
	gen := &fakeGenerator{reply: "Here you go:\n```json\n" +
		`{"conditions": ["asthma"], "medications": [{"name": "Albuterol", "dosage": "2 puffs"}], "allergies": [], "key_facts": [], "age": 31, "gender": null}` +
		"\n```"}
	ex := NewExtractor(gen, "fast", svc, metrics.NewNop(), nil)
	ctx := context.Background()

	n, err := ex.Extract(ctx, "user-1", "I have asthma and use two puffs of albuterol. I'm 31.")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	p, err := svc.Get(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, p.Conditions, 1)
	assert.Equal(t, models.SourceChat, p.Conditions[0].Source)
	assert.Equal(t, "2 puffs", p.Medications[0].Dosage)
	assert.Equal(t, 31, *p.Age)

	events := rec.OfType(models.AuditProfile)
	require.Len(t, events, 1)
	assert.Equal(t, "facts_extracted", events[0].Action)
	assert.Equal(t, "3", events[0].Details["count"])

	n, err = ex.Extract(ctx, "user-1", "thanks!")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, gen.calls, "short messages never reach the model")

	gen.reply = "I could not find anything."
	_, err = ex.Extract(ctx, "user-1", "What is a normal blood pressure?")
	assert.Error(t, err)
}

func TestScheduleRunsInBackground(t *testing.T) {
	svc, _ := newTestService(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	gen := &fakeGenerator{reply: `{"allergies": ["peanuts"]}`, release: make(chan struct{})}
	ex := NewExtractor(gen, "fast", svc, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ex.Schedule(ctx, "user-1", "I am allergic to peanuts, what snacks are safe?")
	// the request context ending must not cancel the extraction
	cancel()
	close(gen.release)
	ex.Wait()

	p, err := svc.Get(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, p.Allergies, 1)
	assert.Equal(t, "peanuts", p.Allergies[0].Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProfileExtractions.WithLabelValues("saved")))
}

func TestScheduleDropsWhenBusy(t *testing.T) {
	svc, _ := newTestService(t)
	m := metrics.New(prometheus.NewRegistry())
	gen := &fakeGenerator{reply: `{}`, release: make(chan struct{})}
	ex := NewExtractor(gen, "fast", svc, m, nil)
	ctx := context.Background()

	for i := 0; i < DefaultExtractConcurrent+3; i++ {
		ex.Schedule(ctx, "user-1", "I take vitamin D every morning")
	}
	close(gen.release)
	ex.Wait()

	assert.Equal(t, float64(DefaultExtractConcurrent), testutil.ToFloat64(m.ProfileExtractions.WithLabelValues("empty")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ProfileExtractions.WithLabelValues("skipped")))
}

func TestScheduleCountsFailures(t *testing.T) {
	svc, _ := newTestService(t)
	m := metrics.New(prometheus.NewRegistry())
	gen := &fakeGenerator{err: errors.New("quota exceeded")}
	ex := NewExtractor(gen, "fast", svc, m, nil)
	ex.timeout = time.Second

	ex.Schedule(context.Background(), "user-1", "My doctor says I have anemia")
	ex.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProfileExtractions.WithLabelValues("error")))
}
