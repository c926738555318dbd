package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/anatolykoptev/go_apply/internal/engine"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

// LinkedIn Guest API endpoint; returns HTML, no auth required.
// Variables so tests can point them at a local server.
var (
	linkedInGuestAPI = "https://www.linkedin.com/jobs-guest/jobs/api/seeMoreJobPostings/search"
	linkedInJobView  = "https://www.linkedin.com/jobs/view/"
)

// linkedInPageSize is the number of cards the guest API returns per page.
const linkedInPageSize = 25

// experienceMap maps human-readable experience levels to LinkedIn filter codes.
var experienceMap = map[string]string{
	"internship": "1",
	"entry":      "2",
	"associate":  "3",
	"mid-senior": "4",
	"director":   "5",
	"executive":  "6",
}

// jobTypeMap maps human-readable job types to LinkedIn filter codes.
var jobTypeMap = map[string]string{
	"full-time":  "F",
	"part-time":  "P",
	"contract":   "C",
	"temporary":  "T",
	"internship": "I",
	"volunteer":  "V",
}

// remoteMap maps remote/onsite to LinkedIn workplace type codes.
var remoteMap = map[string]string{
	"onsite": "1",
	"hybrid": "2",
	"remote": "3",
}

// timeRangeMap maps human-readable time ranges to LinkedIn seconds-based codes.
var timeRangeMap = map[string]string{
	"day":   "r86400",
	"week":  "r604800",
	"month": "r2592000",
}

// salaryMap maps minimum yearly salary (USD thousands) to LinkedIn f_SB2 buckets.
var salaryMap = map[string]string{
	"40k":  "1",
	"60k":  "2",
	"80k":  "3",
	"100k": "4",
	"120k": "5",
	"140k": "6",
	"160k": "7",
	"180k": "8",
	"200k": "9",
}

// SearchParams are the recon filters for one guest API query.
type SearchParams struct {
	Keywords   string `json:"keywords" validate:"required"`
	Location   string `json:"location,omitempty"`
	Experience string `json:"experience,omitempty" jsonschema:"internship, entry, associate, mid-senior, director, executive"`
	JobType    string `json:"job_type,omitempty" jsonschema:"full-time, part-time, contract, temporary, internship, volunteer"`
	Remote     string `json:"remote,omitempty" jsonschema:"onsite, hybrid, remote"`
	TimeRange  string `json:"time_range,omitempty" jsonschema:"day, week, month"`
	Salary     string `json:"salary,omitempty" jsonschema:"minimum salary bucket: 40k .. 200k"`
	EasyApply  bool   `json:"easy_apply,omitempty" jsonschema:"only Easy Apply postings"`
	Page       int    `json:"page,omitempty" jsonschema:"zero-based result page"`
}

// LinkedInJob represents a parsed job card from the Guest API.
type LinkedInJob struct {
	Title     string `json:"title"`
	Company   string `json:"company"`
	Location  string `json:"location"`
	URL       string `json:"url"`
	JobID     string `json:"job_id"`
	Posted    string `json:"posted"`
	EasyApply bool   `json:"easy_apply"`
}

// jobIDRe extracts job ID from LinkedIn job URLs.
// Matches both /jobs/view/4335742219 and /jobs/view/golang-developer-at-ceipal-4335742219
var jobIDRe = regexp.MustCompile(`/jobs/view/[^?]*?(\d{7,})`)

// ExtractJobID extracts LinkedIn job ID from a URL.
func ExtractJobID(jobURL string) string {
	if m := jobIDRe.FindStringSubmatch(jobURL); m != nil {
		return m[1]
	}
	return ""
}

// CanonicalJobURL returns the stable https://www.linkedin.com/jobs/view/<id>/
// form of a job URL. URLs without a job ID are returned without query string.
func CanonicalJobURL(jobURL string) string {
	if id := ExtractJobID(jobURL); id != "" {
		return "https://www.linkedin.com/jobs/view/" + id + "/"
	}
	return strings.TrimSpace(strings.SplitN(jobURL, "?", 2)[0])
}

// buildSearchURL renders p as a guest API URL.
func buildSearchURL(p SearchParams) (string, error) {
	u, err := url.Parse(linkedInGuestAPI)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("keywords", p.Keywords)
	q.Set("sortBy", "DD") // sort by date
	q.Set("start", strconv.Itoa(max(p.Page, 0)*linkedInPageSize))
	if p.Location != "" {
		q.Set("location", p.Location)
	}
	if v, ok := experienceMap[strings.ToLower(p.Experience)]; ok {
		q.Set("f_E", v)
	}
	if v, ok := jobTypeMap[strings.ToLower(p.JobType)]; ok {
		q.Set("f_JT", v)
	}
	if v, ok := remoteMap[strings.ToLower(p.Remote)]; ok {
		q.Set("f_WT", v)
	}
	if v, ok := timeRangeMap[strings.ToLower(p.TimeRange)]; ok {
		q.Set("f_TPR", v)
	}
	if v, ok := salaryMap[strings.ToLower(p.Salary)]; ok {
		q.Set("f_SB2", v)
	}
	if p.EasyApply {
		q.Set("f_AL", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SearchLinkedInJobs queries the LinkedIn Guest API and returns parsed job cards.
// Results are cached per parameter set.
func SearchLinkedInJobs(ctx context.Context, p SearchParams) ([]LinkedInJob, error) {
	if strings.TrimSpace(p.Keywords) == "" {
		return nil, engine.Errorf("linkedin search", engine.CategoryValidation, "keywords are required")
	}
	target, err := buildSearchURL(p)
	if err != nil {
		return nil, engine.E("linkedin search", engine.CategoryValidation, err)
	}

	cacheKey := engine.CacheKey("linkedin_search", target)
	if cached, ok := engine.CacheLoadJSON[[]LinkedInJob](ctx, cacheKey); ok {
		return cached, nil
	}

	engine.IncrSearchRequests()
	body, err := linkedInRequest(ctx, target)
	if err != nil {
		return nil, err
	}

	jobs := parseLinkedInHTML(string(body))
	if p.EasyApply {
		for i := range jobs {
			jobs[i].EasyApply = true
		}
	}
	engine.CacheStoreJSON(ctx, cacheKey, jobs)
	return jobs, nil
}

// linkedInRequest fetches a LinkedIn URL using BrowserClient (Chrome TLS fingerprint)
// when available, falling back to standard net/http client. Calls go through
// the LinkedIn circuit breaker.
func linkedInRequest(ctx context.Context, targetURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, engine.Cfg.FetchTimeout)
	defer cancel()

	data, err := engine.Guard(func() ([]byte, error) {
		return linkedInFetch(ctx, targetURL)
	})
	if err != nil {
		engine.IncrFetchErrors()
		if engine.CategoryOf(err) == engine.CategoryInternal {
			err = engine.E("linkedin", engine.CategoryNetwork, err)
		}
		return nil, err
	}
	return data, nil
}

func linkedInFetch(ctx context.Context, targetURL string) ([]byte, error) {
	// Prefer BrowserClient - LinkedIn detects non-browser TLS fingerprints
	if engine.Cfg.BrowserClient != nil {
		headers := engine.ChromeHeaders()
		headers["accept"] = "text/html,application/xhtml+xml,application/xml;q=0.9"
		headers["referer"] = "https://www.linkedin.com/"

		return engine.RetryDo(ctx, engine.DefaultRetryConfig, func() ([]byte, error) {
			d, _, s, e := engine.Cfg.BrowserClient.Do("GET", targetURL, headers, nil)
			if e != nil {
				return nil, e
			}
			if s != http.StatusOK {
				return nil, statusError(s)
			}
			return d, nil
		})
	}

	resp, err := engine.RetryHTTP(ctx, engine.DefaultRetryConfig, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", engine.UserAgentChrome)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		return engine.Cfg.HTTPClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 512*1024))
}

// statusError classifies a non-200 LinkedIn response.
func statusError(code int) error {
	cat := engine.CategoryExternalService
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, 999: // 999: LinkedIn bot wall
		cat = engine.CategoryAuthentication
	case http.StatusTooManyRequests:
		cat = engine.CategoryNetwork
	}
	return engine.Errorf("linkedin", cat, "status %d", code)
}

// parseLinkedInHTML extracts job cards from the Guest API HTML response
// using golang.org/x/net/html for robust tree-based parsing.
func parseLinkedInHTML(body string) []LinkedInJob {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}

	jobs := []LinkedInJob{}
	for _, li := range findElements(doc, "li") {
		if job := parseJobCard(li); job.Title != "" && job.URL != "" {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// parseJobCard extracts a LinkedInJob from an <li> node.
func parseJobCard(li *html.Node) LinkedInJob {
	var job LinkedInJob

	if link := findByClass(li, "base-card__full-link"); link != nil {
		if href := getAttr(link, "href"); href != "" {
			job.URL = CanonicalJobURL(href)
			job.JobID = ExtractJobID(href)
		}
	}

	if n := findByClass(li, "base-search-card__title"); n != nil {
		job.Title = engine.NormalizeSpace(textContent(n))
	}

	if n := findByClass(li, "base-search-card__subtitle"); n != nil {
		job.Company = engine.NormalizeSpace(textContent(n))
	}

	if n := findByClass(li, "job-search-card__location"); n != nil {
		job.Location = engine.NormalizeSpace(textContent(n))
	}

	// Prefer ISO datetime attribute over relative text
	if n := findByClass(li, "job-search-card__listdate"); n != nil {
		if dt := getAttr(n, "datetime"); dt != "" {
			job.Posted = strings.TrimSpace(dt)
		} else {
			job.Posted = engine.NormalizeSpace(textContent(n))
		}
	}

	// Some cards carry an explicit Easy Apply badge.
	if n := findByClass(li, "job-posting-benefits__text"); n != nil {
		if engine.ContainsFold(textContent(n), "easy apply") {
			job.EasyApply = true
		}
	}

	return job
}

// --- HTML tree helpers ---

// getAttr returns the value of an attribute on a node, or "".
func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// hasClass checks if a node's class attribute contains the given class name.
func hasClass(n *html.Node, className string) bool {
	return strings.Contains(getAttr(n, "class"), className)
}

// textContent recursively extracts all text from a node.
func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// findByClass finds the first descendant element with the given class.
func findByClass(n *html.Node, className string) *html.Node {
	if n.Type == html.ElementNode && hasClass(n, className) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClass(c, className); found != nil {
			return found
		}
	}
	return nil
}

// findElements finds all descendant elements with the given tag name.
func findElements(n *html.Node, tag string) []*html.Node {
	var results []*html.Node
	if n.Type == html.ElementNode && n.Data == tag {
		results = append(results, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		results = append(results, findElements(c, tag)...)
	}
	return results
}

// JobDetails is what a job page yields beyond the search card.
type JobDetails struct {
	Description string `json:"description"`
	EasyApply   bool   `json:"easy_apply"`
}

// FetchJobDetails fetches a single LinkedIn job page and extracts structured data
// from the JSON-LD schema.org/JobPosting block.
func FetchJobDetails(ctx context.Context, jobURL string) (*JobDetails, error) {
	if cached, ok := engine.CacheLoadJSON[JobDetails](ctx, engine.CacheKey("jd", jobURL)); ok {
		return &cached, nil
	}

	details, err := fetchJobDetailsUncached(ctx, jobURL)
	if err != nil {
		return nil, err
	}

	engine.CacheStoreJSON(ctx, engine.CacheKey("jd", jobURL), *details)
	return details, nil
}

// fetchJobDetailsUncached fetches a single LinkedIn job page and extracts structured data.
func fetchJobDetailsUncached(ctx context.Context, jobURL string) (*JobDetails, error) {
	engine.IncrDetailRequests()
	target := jobURL
	if id := ExtractJobID(jobURL); id != "" {
		target = linkedInJobView + id + "/"
	}
	bodyBytes, err := linkedInRequest(ctx, target)
	if err != nil {
		return nil, err
	}

	page := string(bodyBytes)
	out := &JobDetails{EasyApply: detectEasyApply(page)}

	if jsonLD := extractJSONLD(page); jsonLD != "" {
		out.Description = jsonLD
		return out, nil
	}

	// Fallback: extract description section via html-to-markdown
	if descHTML := extractJobDescription(page); descHTML != "" {
		md, err := htmltomarkdown.ConvertString(descHTML)
		if err == nil && md != "" {
			out.Description = md
			return out, nil
		}
	}

	return nil, engine.Errorf("linkedin details", engine.CategoryExternalService, "no job details found at %s", jobURL)
}

// detectEasyApply looks for the Easy Apply call to action on a job page.
func detectEasyApply(page string) bool {
	lower := strings.ToLower(page)
	return strings.Contains(lower, "jobs-apply-button") && strings.Contains(lower, "easy apply")
}

// extractJSONLD extracts and formats the schema.org/JobPosting JSON-LD block.
func extractJSONLD(page string) string {
	marker := `"@type":"JobPosting"`
	markerAlt := `"@type": "JobPosting"`

	idx := strings.Index(page, marker)
	if idx == -1 {
		idx = strings.Index(page, markerAlt)
	}
	if idx == -1 {
		return ""
	}

	scriptStart := strings.LastIndex(page[:idx], "<script")
	if scriptStart == -1 {
		return ""
	}
	scriptEnd := strings.Index(page[scriptStart:], "</script>")
	if scriptEnd == -1 {
		return ""
	}

	scriptContent := page[scriptStart : scriptStart+scriptEnd]
	jsonStart := strings.Index(scriptContent, ">")
	if jsonStart == -1 {
		return ""
	}
	jsonStr := strings.TrimSpace(scriptContent[jsonStart+1:])

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return ""
	}

	var parts []string

	if title, ok := data["title"].(string); ok {
		parts = append(parts, "**Title:** "+title)
	}
	if org, ok := data["hiringOrganization"].(map[string]any); ok {
		if name, ok := org["name"].(string); ok {
			parts = append(parts, "**Company:** "+name)
		}
	}
	if loc, ok := data["jobLocation"].(map[string]any); ok {
		if addr, ok := loc["address"].(map[string]any); ok {
			var locParts []string
			if city, ok := addr["addressLocality"].(string); ok {
				locParts = append(locParts, city)
			}
			if country, ok := addr["addressCountry"].(string); ok {
				locParts = append(locParts, country)
			}
			if len(locParts) > 0 {
				parts = append(parts, "**Location:** "+strings.Join(locParts, ", "))
			}
		}
	}
	if empType, ok := data["employmentType"].(string); ok {
		parts = append(parts, "**Type:** "+empType)
	}
	if salary, ok := data["baseSalary"].(map[string]any); ok {
		if val, ok := salary["value"].(map[string]any); ok {
			lo, _ := val["minValue"].(float64)
			hi, _ := val["maxValue"].(float64)
			currency, _ := salary["currency"].(string)
			if lo > 0 || hi > 0 {
				parts = append(parts, fmt.Sprintf("**Salary:** %.0f-%.0f %s", lo, hi, currency))
			}
		}
	}
	if desc, ok := data["description"].(string); ok {
		md, err := htmltomarkdown.ConvertString(desc)
		if err == nil {
			desc = md
		}
		parts = append(parts, "**Description:**\n"+engine.TruncateRunes(desc, 4000, "..."))
	}

	return strings.Join(parts, "\n\n")
}

// extractJobDescription extracts the job description HTML section using tree parsing.
func extractJobDescription(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}
	classes := []string{
		"show-more-less-html__markup",
		"description__text",
		"job-description",
	}
	for _, cls := range classes {
		if n := findByClass(doc, cls); n != nil {
			return renderChildren(n)
		}
	}
	return ""
}

// renderChildren returns the inner HTML of a node as a string.
func renderChildren(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&sb, c) //nolint:errcheck
	}
	return sb.String()
}

// FetchDetailsParallel fetches details for up to limit jobs with at most
// workers requests in flight. Failed fetches are logged and left out of the
// result map, keyed by job URL.
func FetchDetailsParallel(ctx context.Context, jobs []LinkedInJob, limit, workers int) map[string]*JobDetails {
	if workers <= 0 {
		workers = 2
	}
	n := min(limit, len(jobs))
	out := make(map[string]*JobDetails, n)
	results := make([]*JobDetails, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			d, err := FetchJobDetails(gctx, jobs[i].URL)
			if err != nil {
				slog.Debug("linkedin: failed to fetch job details", slog.String("url", jobs[i].URL), slog.Any("error", err))
				return nil
			}
			results[i] = d
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	for i, d := range results {
		if d != nil {
			out[jobs[i].URL] = d
		}
	}
	return out
}
