package jobs

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/anatolykoptev/go_apply/internal/engine"
)

// FormField is one question on an Easy Apply step, as parsed from the modal.
type FormField struct {
	Question
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Value    string `json:"value,omitempty"`
	Selector string `json:"selector"`
	// OptionValues are the <option value> attributes for selects and the
	// input IDs for radio groups, index-aligned with Options.
	OptionValues []string `json:"option_values,omitempty"`
}

// Filled reports whether the field already carries a usable value.
func (f FormField) Filled() bool {
	switch f.Kind {
	case FieldCheckbox:
		return f.Value == "Yes"
	default:
		return strings.TrimSpace(f.Value) != ""
	}
}

// StepAction is the primary button of an Easy Apply step.
type StepAction string

const (
	StepNext    StepAction = "next"
	StepReview  StepAction = "review"
	StepSubmit  StepAction = "submit"
	StepUnknown StepAction = "unknown"
)

// Easy Apply DOM selectors.
const (
	selEasyApplyButton = `button.jobs-apply-button`
	selModal           = `div.jobs-easy-apply-modal`
	selSubmit          = `button[aria-label="Submit application"]`
	selReview          = `button[aria-label="Review your application"]`
	selNext            = `button[aria-label="Continue to next step"]`
	selDismiss         = `button[aria-label="Dismiss"]`
	selDiscard         = `button[data-control-name="discard_application_confirm_btn"]`
	selFieldError      = `.artdeco-inline-feedback--error`
	selAppliedFeedback = `.artdeco-inline-feedback--success, .jobs-s-apply__application-link, .post-apply-timeline`
)

// placeholderOption is the unselected first entry of LinkedIn selects.
const placeholderOption = "Select an option"

func idSelector(id string) string {
	return `[id="` + strings.ReplaceAll(id, `"`, `\"`) + `"]`
}

func parseDoc(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, engine.E("easyapply: parse", engine.CategoryExternalService, err)
	}
	return doc, nil
}

func labelFor(doc *goquery.Selection, s *goquery.Selection, id string) string {
	if id != "" {
		if l := engine.NormalizeSpace(doc.Find(`label[for="` + id + `"]`).First().Text()); l != "" {
			return l
		}
	}
	if l := s.AttrOr("aria-label", ""); l != "" {
		return engine.NormalizeSpace(l)
	}
	if l := engine.NormalizeSpace(s.Closest("label").Text()); l != "" {
		return l
	}
	return engine.NormalizeSpace(s.AttrOr("placeholder", ""))
}

func isRequired(s *goquery.Selection, label string) bool {
	if _, ok := s.Attr("required"); ok {
		return true
	}
	return s.AttrOr("aria-required", "") == "true" || strings.HasSuffix(label, "*")
}

// ParseFormFields lists the questions in an Easy Apply step. File inputs
// and the "follow company" checkbox are skipped.
func ParseFormFields(modalHTML string) ([]FormField, error) {
	doc, err := parseDoc(modalHTML)
	if err != nil {
		return nil, err
	}
	root := doc.Selection
	var fields []FormField

	root.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		typ := strings.ToLower(s.AttrOr("type", "text"))
		id := s.AttrOr("id", "")
		switch {
		case goquery.NodeName(s) == "input" && (typ == "hidden" || typ == "file" || typ == "submit" || typ == "radio"):
			return
		case strings.Contains(id, "follow-company"):
			return
		}
		label := labelFor(root, s, id)
		f := FormField{
			ID:       id,
			Name:     s.AttrOr("name", ""),
			Selector: idSelector(id),
		}
		if id == "" {
			if f.Name == "" {
				return
			}
			f.Selector = goquery.NodeName(s) + `[name="` + f.Name + `"]`
		}
		f.Label = strings.TrimSuffix(strings.TrimSpace(label), "*")
		f.Label = strings.TrimSpace(f.Label)
		f.Required = isRequired(s, label)

		switch goquery.NodeName(s) {
		case "select":
			f.Kind = FieldSelect
			s.Find("option").Each(func(_ int, o *goquery.Selection) {
				text := engine.NormalizeSpace(o.Text())
				if text == "" || strings.EqualFold(text, placeholderOption) {
					if _, sel := o.Attr("selected"); sel {
						f.Value = ""
					}
					return
				}
				f.Options = append(f.Options, text)
				f.OptionValues = append(f.OptionValues, o.AttrOr("value", text))
				if _, sel := o.Attr("selected"); sel {
					f.Value = text
				}
			})
		case "textarea":
			f.Kind = FieldTextarea
			f.Value = strings.TrimSpace(s.Text())
		default:
			switch {
			case typ == "checkbox":
				f.Kind = FieldCheckbox
				if _, checked := s.Attr("checked"); checked {
					f.Value = "Yes"
				}
			case typ == "number" || strings.Contains(id, "numeric"):
				f.Kind = FieldNumeric
				f.Value = s.AttrOr("value", "")
			default:
				f.Kind = FieldText
				f.Value = s.AttrOr("value", "")
			}
		}
		fields = append(fields, f)
	})

	root.Find("fieldset").Each(func(_ int, fs *goquery.Selection) {
		radios := fs.Find(`input[type="radio"]`)
		if radios.Length() == 0 {
			return
		}
		legend := engine.NormalizeSpace(fs.Find("legend").First().Text())
		f := FormField{
			Name:     radios.First().AttrOr("name", ""),
			Selector: "fieldset",
		}
		f.Kind = FieldRadio
		f.Label = strings.TrimSpace(strings.TrimSuffix(legend, "*"))
		f.Required = strings.HasSuffix(legend, "*") || fs.AttrOr("aria-required", "") == "true"
		if id := fs.AttrOr("id", ""); id != "" {
			f.ID = id
			f.Selector = idSelector(id)
		}
		radios.Each(func(_ int, r *goquery.Selection) {
			rid := r.AttrOr("id", "")
			if _, ok := r.Attr("required"); ok {
				f.Required = true
			}
			text := labelFor(root, r, rid)
			if text == "" {
				text = r.AttrOr("value", "")
			}
			f.Options = append(f.Options, text)
			f.OptionValues = append(f.OptionValues, rid)
			if _, checked := r.Attr("checked"); checked {
				f.Value = text
			}
		})
		fields = append(fields, f)
	})
	return fields, nil
}

// DetectStep returns the primary action available in the modal.
func DetectStep(modalHTML string) StepAction {
	doc, err := parseDoc(modalHTML)
	if err != nil {
		return StepUnknown
	}
	switch {
	case doc.Find(selSubmit).Length() > 0:
		return StepSubmit
	case doc.Find(selReview).Length() > 0:
		return StepReview
	case doc.Find(selNext).Length() > 0:
		return StepNext
	}
	return StepUnknown
}

// FormErrors returns the inline validation messages shown in the modal.
func FormErrors(modalHTML string) []string {
	doc, err := parseDoc(modalHTML)
	if err != nil {
		return nil
	}
	var out []string
	doc.Find(selFieldError).Each(func(_ int, s *goquery.Selection) {
		if t := engine.NormalizeSpace(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

// PageState is what a job posting page offers the signed-in user.
type PageState string

const (
	PageEasyApply      PageState = "easy_apply"
	PageAlreadyApplied PageState = "already_applied"
	PageExternalApply  PageState = "external_apply"
	PageLoginRequired  PageState = "login_required"
	PageClosed         PageState = "closed"
)

// DetectPageState classifies a rendered job page.
func DetectPageState(pageURL, pageHTML string) PageState {
	if strings.Contains(pageURL, "/authwall") || strings.Contains(pageURL, "/login") || strings.Contains(pageURL, "/checkpoint") {
		return PageLoginRequired
	}
	doc, err := parseDoc(pageHTML)
	if err != nil {
		return PageClosed
	}
	if doc.Find(`form.login__form, form#join-form, .authwall-join-form`).Length() > 0 {
		return PageLoginRequired
	}
	applied := false
	doc.Find(selAppliedFeedback).Each(func(_ int, s *goquery.Selection) {
		if engine.ContainsFold(s.Text(), "applied") {
			applied = true
		}
	})
	if applied {
		return PageAlreadyApplied
	}
	easy := false
	doc.Find(selEasyApplyButton).Each(func(_ int, s *goquery.Selection) {
		if engine.ContainsFold(s.Text(), "easy apply") || engine.ContainsFold(s.AttrOr("aria-label", ""), "easy apply") {
			easy = true
		}
	})
	switch {
	case easy:
		return PageEasyApply
	case engine.ContainsFold(doc.Text(), "no longer accepting applications"):
		return PageClosed
	}
	return PageExternalApply
}

// DetectSubmitted reports whether the page shows the post-submit confirmation.
func DetectSubmitted(pageHTML string) bool {
	doc, err := parseDoc(pageHTML)
	if err != nil {
		return false
	}
	if doc.Find(`[data-test-modal-id="post-apply-modal"], .artdeco-modal--layer-post-apply`).Length() > 0 {
		return true
	}
	text := doc.Text()
	return engine.ContainsFold(text, "application was sent") || engine.ContainsFold(text, "application submitted")
}
