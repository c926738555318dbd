package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/anatolykoptev/go_apply/internal/engine"
)

// FieldKind is the input type of an application form question.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldNumeric  FieldKind = "numeric"
	FieldTextarea FieldKind = "textarea"
	FieldSelect   FieldKind = "select"
	FieldRadio    FieldKind = "radio"
	FieldCheckbox FieldKind = "checkbox"
)

// Question is one form question to answer.
type Question struct {
	Label    string    `json:"label"`
	Kind     FieldKind `json:"kind"`
	Options  []string  `json:"options,omitempty"`
	Required bool      `json:"required"`
}

// Answer sources.
const (
	SourceExplicit  = "explicit"
	SourceHeuristic = "heuristic"
	SourceLLM       = "llm"
)

// Answer is the value chosen for a question and where it came from.
type Answer struct {
	Value  string `json:"value"`
	Source string `json:"source"`
}

// Completer sends a system and user prompt to a language model.
// engine.CallLLMShort satisfies it.
type Completer func(ctx context.Context, system, prompt string) (string, error)

// Answerer fills application questions from the profile, falling back to an LLM.
type Answerer struct {
	profile func() *Profile
	llm     Completer
}

// NewAnswerer builds an Answerer over a fixed profile. llm may be nil.
func NewAnswerer(p *Profile, llm Completer) *Answerer {
	return &Answerer{profile: func() *Profile { return p }, llm: llm}
}

// NewStoreAnswerer reads the store's current profile on every question, so
// saved edits apply to the next form without a restart.
func NewStoreAnswerer(s *ProfileStore, llm Completer) *Answerer {
	return &Answerer{profile: s.Current, llm: llm}
}

const (
	maxTextAnswer     = 300
	maxTextareaAnswer = 1500
)

// AnswerQuestion picks a value for q: an explicit profile answer first, then
// a heuristic from profile facts, then the LLM. Choice questions always
// resolve to one of their options.
func (a *Answerer) AnswerQuestion(ctx context.Context, job *ScrapedJob, q Question) (Answer, error) {
	const op = "answers"
	p := a.profile()
	if ans, ok := explicitAnswer(p, q); ok {
		if v, err := conform(ans, q); err == nil {
			return Answer{Value: v, Source: SourceExplicit}, nil
		}
	}
	if ans, ok := heuristicAnswer(p, q); ok {
		if v, err := conform(ans, q); err == nil {
			return Answer{Value: v, Source: SourceHeuristic}, nil
		}
	}
	if a.llm != nil {
		raw, err := a.llm(ctx, answerSystemPrompt, BuildQuestionPrompt(p, job, q))
		if err == nil {
			v, perr := ParseAnswer(raw, q)
			if perr == nil {
				return Answer{Value: v, Source: SourceLLM}, nil
			}
			err = perr
		}
		slog.Warn("answers: llm fallback failed", slog.String("question", q.Label), slog.Any("error", err))
	}
	if !q.Required {
		return Answer{}, nil
	}
	return Answer{}, engine.Errorf(op, engine.CategoryValidation, "no answer for required question %q", q.Label)
}

func explicitAnswer(p *Profile, q Question) (string, bool) {
	label := strings.ToLower(q.Label)
	best, bestLen := "", 0
	for key, val := range p.Answers {
		k := strings.ToLower(strings.TrimSpace(key))
		if k != "" && strings.Contains(label, k) && len(k) > bestLen {
			best, bestLen = val, len(k)
		}
	}
	return best, bestLen > 0
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func isYesNo(options []string) bool {
	if len(options) != 2 {
		return false
	}
	_, yes := MatchOption("yes", options)
	_, no := MatchOption("no", options)
	return yes && no
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// heuristicAnswer answers the questions every Easy Apply form asks from profile facts.
func heuristicAnswer(p *Profile, q Question) (string, bool) {
	l := strings.ToLower(q.Label)
	switch {
	case hasAny(l, "sponsor"):
		return yesNo(p.NeedsSponsorship), true
	case hasAny(l, "authorized", "authorised", "authorization", "legally", "right to work"):
		return yesNo(p.WorkAuthorized), true
	case hasAny(l, "relocat"):
		return yesNo(p.WillingToRelocate), true
	case hasAny(l, "years") && hasAny(l, "experience", "work", "using", "with"):
		years := p.YearsExperience
		if y := p.SkillYears(q.Label); y >= 0 {
			years = y
		}
		if q.Kind == FieldCheckbox || isYesNo(q.Options) {
			need, _ := strconv.Atoi(reNumber.FindString(q.Label))
			return yesNo(years >= need), true
		}
		return strconv.Itoa(years), true
	case hasAny(l, "salary", "compensation", "pay expectation", "expected pay"):
		if p.DesiredSalary > 0 {
			return strconv.Itoa(p.DesiredSalary), true
		}
	case hasAny(l, "notice period"):
		if q.Kind == FieldNumeric {
			return strconv.Itoa(p.NoticePeriodDays), true
		}
		return fmt.Sprintf("%d days", p.NoticePeriodDays), true
	case hasAny(l, "phone", "mobile"):
		if p.Phone != "" {
			return p.Phone, true
		}
	case hasAny(l, "email"):
		return p.Email, true
	case hasAny(l, "linkedin"):
		if p.LinkedInURL != "" {
			return p.LinkedInURL, true
		}
	case hasAny(l, "website", "portfolio", "github"):
		if p.Website != "" {
			return p.Website, true
		}
	case hasAny(l, "first name"):
		return p.FirstName, true
	case hasAny(l, "last name", "surname"):
		return p.LastName, true
	case hasAny(l, "full name") || l == "name":
		return p.FullName(), true
	case hasAny(l, "city", "location"):
		if p.City != "" {
			return p.City, true
		}
	case hasAny(l, "bachelor", "degree"):
		if p.Education != "" {
			return "Yes", true
		}
	case hasAny(l, "headline"):
		if p.Headline != "" {
			return p.Headline, true
		}
	case hasAny(l, "summary", "cover letter"):
		if p.Summary != "" {
			return p.Summary, true
		}
	}
	if q.Kind == FieldCheckbox && hasAny(l, "agree", "terms", "privacy", "acknowledge", "confirm") {
		return "Yes", true
	}
	return "", false
}

const answerSystemPrompt = `You fill in job application forms for a candidate.
Answer truthfully from the candidate profile. Never invent employers, degrees or certifications.
Reply on one line as: ANSWER: <value>`

// BuildQuestionPrompt renders the LLM prompt for a single form question.
func BuildQuestionPrompt(p *Profile, job *ScrapedJob, q Question) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today: %s\n\nCANDIDATE\n", engine.CurrentDate())
	fmt.Fprintf(&b, "Name: %s\nLocation: %s %s\nTotal experience: %d years\n", p.FullName(), p.City, p.Country, p.YearsExperience)
	if p.Headline != "" {
		fmt.Fprintf(&b, "Headline: %s\n", p.Headline)
	}
	if len(p.Skills) > 0 {
		parts := make([]string, 0, len(p.Skills))
		for _, s := range p.Skills {
			parts = append(parts, fmt.Sprintf("%s (%dy)", s.Name, s.Years))
		}
		fmt.Fprintf(&b, "Skills: %s\n", strings.Join(parts, ", "))
	}
	if p.Education != "" {
		fmt.Fprintf(&b, "Education: %s\n", p.Education)
	}
	if len(p.Languages) > 0 {
		fmt.Fprintf(&b, "Languages: %s\n", strings.Join(p.Languages, ", "))
	}
	fmt.Fprintf(&b, "Work authorized: %s; needs sponsorship: %s\n", yesNo(p.WorkAuthorized), yesNo(p.NeedsSponsorship))
	if p.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", engine.TruncateRunes(p.Summary, 800, "..."))
	}
	if job != nil {
		fmt.Fprintf(&b, "\nJOB\n%s at %s (%s)\n", job.Title, job.Company, job.Location)
		if job.Description != "" {
			fmt.Fprintf(&b, "%s\n", engine.TruncateRunes(job.Description, 1500, "..."))
		}
	}
	fmt.Fprintf(&b, "\nQUESTION (%s", q.Kind)
	if q.Required {
		b.WriteString(", required")
	}
	fmt.Fprintf(&b, "): %s\n", q.Label)
	switch q.Kind {
	case FieldNumeric:
		b.WriteString("Reply with a whole number only.\n")
	case FieldSelect, FieldRadio:
		fmt.Fprintf(&b, "Choose exactly one of: %s\n", strings.Join(q.Options, " | "))
	case FieldCheckbox:
		b.WriteString("Reply Yes or No.\n")
	case FieldTextarea:
		b.WriteString("Reply with at most three sentences.\n")
	default:
		b.WriteString("Reply with a short phrase.\n")
	}
	return b.String()
}

var (
	reAnswerLine = regexp.MustCompile(`(?im)^\s*answer\s*[:=]\s*(.+)$`)
	reNumber     = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)
)

// ParseAnswer extracts the value from an LLM reply and conforms it to q.
// Accepts a JSON {"answer": ...} object, an "ANSWER: value" line, or the
// first non-empty line.
func ParseAnswer(raw string, q Question) (string, error) {
	v := engine.ExtractJSONAnswer(raw)
	if v == "" {
		if m := reAnswerLine.FindStringSubmatch(raw); m != nil {
			v = m[1]
		}
	}
	if v == "" {
		for _, line := range strings.Split(raw, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				v = line
				break
			}
		}
	}
	v = strings.Trim(strings.TrimSpace(v), `"'`)
	if v == "" {
		return "", engine.Errorf("answers: parse", engine.CategoryExternalService, "empty answer")
	}
	out, err := conform(v, q)
	if err != nil {
		return "", engine.E("answers: parse", engine.CategoryExternalService, err)
	}
	return out, nil
}

// conform coerces v to what q accepts.
func conform(v string, q Question) (string, error) {
	v = strings.TrimSpace(v)
	switch q.Kind {
	case FieldNumeric:
		m := reNumber.FindString(v)
		if m == "" {
			return "", fmt.Errorf("%q is not a number", v)
		}
		m = strings.ReplaceAll(m, ",", ".")
		if f, err := strconv.ParseFloat(m, 64); err == nil && f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10), nil
		}
		return m, nil
	case FieldSelect, FieldRadio:
		if len(q.Options) == 0 {
			return v, nil
		}
		opt, ok := MatchOption(v, q.Options)
		if !ok {
			return "", fmt.Errorf("%q matches none of %v", v, q.Options)
		}
		return opt, nil
	case FieldCheckbox:
		switch strings.ToLower(v) {
		case "yes", "true", "checked", "1":
			return "Yes", nil
		case "no", "false", "unchecked", "0", "":
			return "No", nil
		}
		return "", fmt.Errorf("%q is not yes or no", v)
	case FieldTextarea:
		return engine.TruncateRunes(v, maxTextareaAnswer, ""), nil
	default:
		return engine.TruncateRunes(v, maxTextAnswer, ""), nil
	}
}

// MatchOption finds the option best matching v: exact (case-insensitive),
// then an option starting with v, then the shortest option containing v as
// a word, then the longest option that appears as words inside v.
func MatchOption(v string, options []string) (string, bool) {
	lv := strings.ToLower(strings.TrimSpace(v))
	if lv == "" {
		return "", false
	}
	for _, o := range options {
		if strings.EqualFold(strings.TrimSpace(o), lv) {
			return o, true
		}
	}
	for _, o := range options {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(o)), lv) {
			return o, true
		}
	}
	best := ""
	for _, o := range options {
		if containsWord(o, lv) && (best == "" || len(o) < len(best)) {
			best = o
		}
	}
	if best != "" {
		return best, true
	}
	for _, o := range options {
		if strings.TrimSpace(o) != "" && containsWord(lv, o) && len(o) > len(best) {
			best = o
		}
	}
	return best, best != ""
}

const fitSystemPrompt = `You assess how well a candidate fits a job posting.
Reply in exactly two lines:
SCORE: <integer 0-100>
REASON: <one sentence>`

var (
	reFitScore  = regexp.MustCompile(`(?i)score\s*[:=]\s*(\d{1,3})`)
	reFitReason = regexp.MustCompile(`(?im)^\s*reason\s*[:=]\s*(.+)$`)
)

// SummarizeFit scores how well job fits the profile. With an LLM configured
// it asks the model; otherwise, or when the reply cannot be parsed, it falls
// back to the keyword score from ScoreFit.
func (a *Answerer) SummarizeFit(ctx context.Context, job *ScrapedJob) (FitResult, error) {
	p := a.profile()
	base := ScoreFit(p, job.Title, job.Description)
	if a.llm == nil {
		return base, nil
	}
	prompt := BuildQuestionPrompt(p, job, Question{Label: "How well does the candidate fit this job?", Kind: FieldText})
	raw, err := a.llm(ctx, fitSystemPrompt, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return FitResult{}, engine.E("answers: fit", engine.CategoryNetwork, ctx.Err())
		}
		slog.Warn("answers: fit llm failed, using keyword score", slog.Any("error", err))
		return base, nil
	}
	m := reFitScore.FindStringSubmatch(raw)
	if m == nil {
		return base, nil
	}
	score, _ := strconv.Atoi(m[1])
	res := FitResult{Score: min(score, 100), Matched: base.Matched, Missing: base.Missing}
	if r := reFitReason.FindStringSubmatch(raw); r != nil {
		res.Reason = strings.TrimSpace(r[1])
	}
	return res, nil
}
