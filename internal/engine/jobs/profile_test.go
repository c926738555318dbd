package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProfileYAML = `
first_name: Ada
last_name: Lovelace
email: ada@example.com
phone: "+44 20 7946 0000"
city: London
years_experience: 7
work_authorized: true
needs_sponsorship: false
desired_salary: 120000
notice_period_days: 30
skills:
  - name: Go
    years: 5
  - name: Kubernetes
    years: 3
search:
  keywords: [golang developer, backend engineer]
  locations: [London, Remote]
  remote: remote
  pages: 2
exclude:
  companies: [Evil Corp]
  title_words: [intern, manager]
answers:
  "how did you hear": LinkedIn
`

func testProfile(t *testing.T) *Profile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testProfileYAML), 0o600))
	p, err := LoadProfile(path)
	require.NoError(t, err)
	return p
}

func TestLoadProfile_YAML(t *testing.T) {
	p := testProfile(t)
	assert.Equal(t, "Ada Lovelace", p.FullName())
	assert.Equal(t, 7, p.YearsExperience)
	assert.True(t, p.EasyApplyOnly(), "easy apply defaults to true")
	assert.Equal(t, 2, p.Pages())
	assert.Len(t, p.Skills, 2)
}

func TestLoadProfile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	body := `{"first_name":"Ada","last_name":"L","email":"ada@example.com","years_experience":3,"search":{"keywords":["go"],"easy_apply_only":false}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.False(t, p.EasyApplyOnly())
}

func TestLoadProfile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing email", "first_name: A\nlast_name: B\nsearch:\n  keywords: [go]\n"},
		{"bad email", "first_name: A\nlast_name: B\nemail: nope\nsearch:\n  keywords: [go]\n"},
		{"no keywords", "first_name: A\nlast_name: B\nemail: a@b.co\n"},
		{"bad remote", "first_name: A\nlast_name: B\nemail: a@b.co\nsearch:\n  keywords: [go]\n  remote: mars\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "p.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := LoadProfile(path)
			require.Error(t, err)
			assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))
		})
	}

	_, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))
}

func TestProfileExcludes(t *testing.T) {
	p := testProfile(t)
	tests := []struct {
		job  LinkedInJob
		want bool
	}{
		{LinkedInJob{Title: "Go Developer", Company: "evil corp"}, true},
		{LinkedInJob{Title: "Engineering Manager", Company: "Acme"}, true},
		{LinkedInJob{Title: "Internal Tools Engineer", Company: "Acme"}, false},
		{LinkedInJob{Title: "Go Developer", Company: "Acme"}, false},
	}
	for _, tt := range tests {
		got, _ := p.Excludes(tt.job)
		assert.Equal(t, tt.want, got, "%s at %s", tt.job.Title, tt.job.Company)
	}
}

func TestProfileSearchParams(t *testing.T) {
	p := testProfile(t)
	params := p.SearchParams(1)
	require.Len(t, params, 4)
	assert.Equal(t, "golang developer", params[0].Keywords)
	assert.Equal(t, "London", params[0].Location)
	assert.Equal(t, "Remote", params[1].Location)
	assert.True(t, params[0].EasyApply)
	assert.Equal(t, 1, params[3].Page)
}

func TestSkillYears(t *testing.T) {
	p := testProfile(t)
	assert.Equal(t, 5, p.SkillYears("How many years of experience do you have with Go?"))
	assert.Equal(t, 3, p.SkillYears("Years with kubernetes"))
	assert.Equal(t, -1, p.SkillYears("Years of Rust"))
	assert.Equal(t, -1, p.SkillYears("Do you have a good background?"), "go inside a word must not match")
}

func TestProfileStoreSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testProfileYAML), 0o600))

	store, err := NewProfileStore(path)
	require.NoError(t, err)

	p := store.Get()
	p.City = "Paris"
	require.NoError(t, store.Save(p))

	reloaded, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "Paris", reloaded.City)

	bad := store.Get()
	bad.Email = ""
	assert.Error(t, store.Save(bad))
	assert.Equal(t, "Paris", store.Get().City, "failed save must not swap the profile")
}

func TestStoreAnswerer_FollowsProfileEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testProfileYAML), 0o600))
	store, err := NewProfileStore(path)
	require.NoError(t, err)

	a := NewStoreAnswerer(store, nil)
	q := Question{Label: "Will you now or in the future require sponsorship?", Kind: FieldRadio, Options: []string{"Yes", "No"}}
	answer := func() string {
		t.Helper()
		got, err := a.AnswerQuestion(context.Background(), nil, q)
		require.NoError(t, err)
		return got.Value
	}
	assert.Equal(t, "No", answer())

	p := store.Get()
	p.NeedsSponsorship = true
	require.NoError(t, store.Save(p))
	assert.Equal(t, "Yes", answer(), "saved profile applies to the next question")

	// Another process rewrites the file.
	other := store.Get()
	other.NeedsSponsorship = false
	require.NoError(t, SaveProfile(path, other))
	mt := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, mt, mt))
	assert.Equal(t, "No", answer(), "file edits are picked up")

	require.NoError(t, os.WriteFile(path, []byte("email: ["), 0o600))
	mt = mt.Add(time.Minute)
	require.NoError(t, os.Chtimes(path, mt, mt))
	assert.Equal(t, "No", answer(), "a broken file keeps the last good profile")
}
