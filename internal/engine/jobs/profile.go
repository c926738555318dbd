package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Skill is a named skill with years of hands-on experience.
type Skill struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Years int    `yaml:"years" json:"years" validate:"gte=0,lte=60"`
}

// SearchPreferences drive the recon phase.
type SearchPreferences struct {
	Keywords      []string `yaml:"keywords" json:"keywords" validate:"required,min=1,dive,required"`
	Locations     []string `yaml:"locations,omitempty" json:"locations,omitempty"`
	Experience    string   `yaml:"experience,omitempty" json:"experience,omitempty" validate:"omitempty,oneof=internship entry associate mid-senior director executive"`
	JobType       string   `yaml:"job_type,omitempty" json:"job_type,omitempty" validate:"omitempty,oneof=full-time part-time contract temporary internship volunteer"`
	Remote        string   `yaml:"remote,omitempty" json:"remote,omitempty" validate:"omitempty,oneof=onsite hybrid remote"`
	TimeRange     string   `yaml:"time_range,omitempty" json:"time_range,omitempty" validate:"omitempty,oneof=day week month"`
	Salary        string   `yaml:"salary,omitempty" json:"salary,omitempty"`
	EasyApplyOnly *bool    `yaml:"easy_apply_only,omitempty" json:"easy_apply_only,omitempty"`
	Pages         int      `yaml:"pages,omitempty" json:"pages,omitempty" validate:"gte=0,lte=40"`
	MinFitScore   int      `yaml:"min_fit_score,omitempty" json:"min_fit_score,omitempty" validate:"gte=0,lte=100"`
}

// Exclusions filter out postings during recon.
type Exclusions struct {
	Companies  []string `yaml:"companies,omitempty" json:"companies,omitempty"`
	TitleWords []string `yaml:"title_words,omitempty" json:"title_words,omitempty"`
}

// Profile is the applicant: identity and contact details, the facts Easy
// Apply forms ask for, search preferences and explicit answers keyed by a
// question substring.
type Profile struct {
	FirstName         string            `yaml:"first_name" json:"first_name" validate:"required"`
	LastName          string            `yaml:"last_name" json:"last_name" validate:"required"`
	Email             string            `yaml:"email" json:"email" validate:"required,email"`
	Phone             string            `yaml:"phone,omitempty" json:"phone,omitempty"`
	City              string            `yaml:"city,omitempty" json:"city,omitempty"`
	Country           string            `yaml:"country,omitempty" json:"country,omitempty"`
	LinkedInURL       string            `yaml:"linkedin_url,omitempty" json:"linkedin_url,omitempty" validate:"omitempty,url"`
	Website           string            `yaml:"website,omitempty" json:"website,omitempty" validate:"omitempty,url"`
	Headline          string            `yaml:"headline,omitempty" json:"headline,omitempty"`
	Summary           string            `yaml:"summary,omitempty" json:"summary,omitempty"`
	Education         string            `yaml:"education,omitempty" json:"education,omitempty"`
	YearsExperience   int               `yaml:"years_experience" json:"years_experience" validate:"gte=0,lte=60"`
	Skills            []Skill           `yaml:"skills,omitempty" json:"skills,omitempty" validate:"dive"`
	Languages         []string          `yaml:"languages,omitempty" json:"languages,omitempty"`
	WorkAuthorized    bool              `yaml:"work_authorized" json:"work_authorized"`
	NeedsSponsorship  bool              `yaml:"needs_sponsorship" json:"needs_sponsorship"`
	DesiredSalary     int               `yaml:"desired_salary,omitempty" json:"desired_salary,omitempty" validate:"gte=0"`
	SalaryCurrency    string            `yaml:"salary_currency,omitempty" json:"salary_currency,omitempty"`
	NoticePeriodDays  int               `yaml:"notice_period_days,omitempty" json:"notice_period_days,omitempty" validate:"gte=0,lte=365"`
	WillingToRelocate bool              `yaml:"willing_to_relocate" json:"willing_to_relocate"`
	ResumePath        string            `yaml:"resume_path,omitempty" json:"resume_path,omitempty"`
	Search            SearchPreferences `yaml:"search" json:"search"`
	Exclude           Exclusions        `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	Answers           map[string]string `yaml:"answers,omitempty" json:"answers,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator returns the shared validator instance.
func Validator() *validator.Validate { return validate }

// Validate checks required fields and ranges.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return engine.E("profile", engine.CategoryValidation, describeValidation(err))
	}
	return nil
}

// describeValidation flattens validator errors into one readable error.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// FullName returns "First Last".
func (p *Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// EasyApplyOnly reports whether recon should restrict to Easy Apply postings (default true).
func (p *Profile) EasyApplyOnly() bool {
	return p.Search.EasyApplyOnly == nil || *p.Search.EasyApplyOnly
}

// SkillYears returns years for a skill mentioned in text, or -1.
func (p *Profile) SkillYears(text string) int {
	best := -1
	for _, s := range p.Skills {
		if s.Name != "" && containsWord(text, s.Name) && s.Years > best {
			best = s.Years
		}
	}
	return best
}

// Excludes reports whether a search card should be dropped, and why.
func (p *Profile) Excludes(job LinkedInJob) (bool, string) {
	for _, c := range p.Exclude.Companies {
		if c != "" && strings.EqualFold(strings.TrimSpace(job.Company), strings.TrimSpace(c)) {
			return true, "company " + c
		}
	}
	for _, w := range p.Exclude.TitleWords {
		if w != "" && containsWord(job.Title, w) {
			return true, "title word " + w
		}
	}
	return false, ""
}

// SearchParams expands preferences into one parameter set per keyword and
// location, all for the given page.
func (p *Profile) SearchParams(page int) []SearchParams {
	locs := p.Search.Locations
	if len(locs) == 0 {
		locs = []string{""}
	}
	var out []SearchParams
	for _, kw := range p.Search.Keywords {
		for _, loc := range locs {
			out = append(out, SearchParams{
				Keywords:   kw,
				Location:   loc,
				Experience: p.Search.Experience,
				JobType:    p.Search.JobType,
				Remote:     p.Search.Remote,
				TimeRange:  p.Search.TimeRange,
				Salary:     p.Search.Salary,
				EasyApply:  p.EasyApplyOnly(),
				Page:       page,
			})
		}
	}
	return out
}

// Pages returns how many result pages to walk per query (default 1).
func (p *Profile) Pages() int {
	if p.Search.Pages <= 0 {
		return 1
	}
	return p.Search.Pages
}

// containsWord reports a case-insensitive whole-word match of word in text.
func containsWord(text, word string) bool {
	text = strings.ToLower(text)
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(text[i:], word)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(word)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '+' || b == '#' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// DefaultProfilePath returns ~/.go_apply/profile.yaml.
func DefaultProfilePath() string {
	return filepath.Join(os.Getenv("HOME"), ".go_apply", "profile.yaml")
}

// LoadProfile reads a YAML or JSON profile file and validates it.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, engine.E("profile: load", engine.CategoryValidation, fmt.Errorf("profile %s not found", path))
		}
		return nil, engine.E("profile: load", engine.CategoryInternal, err)
	}
	var p Profile
	// YAML is a superset of JSON, so one decoder reads both.
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, engine.E("profile: parse", engine.CategoryValidation, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile validates p and writes it to path: JSON for .json files, YAML otherwise.
func SaveProfile(path string, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return engine.E("profile: save", engine.CategoryInternal, err)
	}
	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(p, "", "  ")
	} else {
		data, err = yaml.Marshal(p)
	}
	if err != nil {
		return engine.E("profile: save", engine.CategoryInternal, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return engine.E("profile: save", engine.CategoryInternal, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return engine.E("profile: save", engine.CategoryInternal, err)
	}
	return nil
}

// ProfileStore holds the current profile and persists updates to its file.
type ProfileStore struct {
	mu      sync.RWMutex
	path    string
	profile *Profile
	modTime time.Time // of the file when profile was read or written
}

// NewProfileStore loads path into a store.
func NewProfileStore(path string) (*ProfileStore, error) {
	p, err := LoadProfile(path)
	if err != nil {
		return nil, err
	}
	return &ProfileStore{path: path, profile: p, modTime: fileModTime(path)}, nil
}

func fileModTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// NewStaticProfileStore wraps an in-memory profile; Save keeps it in memory only.
func NewStaticProfileStore(p *Profile) *ProfileStore {
	return &ProfileStore{profile: p}
}

// Get returns a copy of the current profile.
func (s *ProfileStore) Get() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.profile
	return &cp
}

// Current is Get after picking up edits another process made to the file.
// An unreadable or invalid file keeps the previous profile.
func (s *ProfileStore) Current() *Profile {
	if s.path == "" {
		return s.Get()
	}
	mt := fileModTime(s.path)
	s.mu.RLock()
	stale := mt.After(s.modTime)
	s.mu.RUnlock()
	if !stale {
		return s.Get()
	}

	s.mu.Lock()
	if mt.After(s.modTime) {
		s.modTime = mt
		p, err := LoadProfile(s.path)
		if err != nil {
			slog.Warn("profile: reload failed, keeping previous", slog.String("path", s.path), slog.Any("error", err))
		} else {
			s.profile = p
			slog.Info("profile: reloaded", slog.String("path", s.path))
		}
	}
	s.mu.Unlock()
	return s.Get()
}

// Save validates, persists and swaps in a new profile.
func (s *ProfileStore) Save(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		if err := SaveProfile(s.path, p); err != nil {
			return err
		}
	}
	cp := *p
	s.profile = &cp
	if s.path != "" {
		s.modTime = fileModTime(s.path)
	}
	return nil
}
