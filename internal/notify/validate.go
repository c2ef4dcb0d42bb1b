package notify

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/vietddude/guardian/internal/core/apperr"
	"github.com/vietddude/guardian/internal/core/domain"
)

var (
	// A bare tag, a tag with at least one name=value attribute, a comment or
	// a doctype. "a<b and c>d" is prose, not markup.
	markupTag    = regexp.MustCompile(`(?i)<(?:/?[a-z][a-z0-9-]*\s*/?|[a-z][a-z0-9-]*\s[^<>]*=[^<>]*|!--.*?--|!doctype[^<>]*)>`)
	eventHandler = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)

	blockedFragments = []string{
		"<script",
		"javascript:",
		"vbscript:",
		"data:text/html",
		"<iframe",
		"<object",
		"<embed",
	}
)

// containsMarkup reports whether s carries script, markup or an inline
// event handler.
func containsMarkup(s string) bool {
	lower := strings.ToLower(s)
	for _, f := range blockedFragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return eventHandler.MatchString(s) || markupTag.MatchString(s)
}

func (d *Dispatcher) validate(n domain.Notification) *apperr.ClassifiedError {
	c := d.exec.Classifier()
	fail := func(field, msg string) *apperr.ClassifiedError {
		return c.New(apperr.CodeValidation, msg, nil).WithContext(map[string]any{"field": field})
	}

	switch {
	case n.UserID == "":
		return fail("user_id", "user id is required")
	case n.Title == "":
		return fail("title", "title is required")
	case n.Body == "":
		return fail("body", "body is required")
	case !n.Type.Valid():
		return fail("type", "unknown notification type "+string(n.Type))
	case !n.Priority.Valid():
		return fail("priority", "unknown priority")
	case utf8.RuneCountInString(n.Title) > d.cfg.MaxTitleLength:
		return fail("title", "title too long")
	case utf8.RuneCountInString(n.Body) > d.cfg.MaxBodyLength:
		return fail("body", "body too long")
	}

	for field, v := range map[string]string{"title": n.Title, "body": n.Body} {
		if containsMarkup(v) {
			return c.New(apperr.CodeMaliciousContent, "notification contains blocked content", nil).
				WithContext(map[string]any{"field": field})
		}
	}
	for k, v := range n.Data {
		if containsMarkup(v) {
			return c.New(apperr.CodeMaliciousContent, "notification data contains blocked content", nil).
				WithContext(map[string]any{"field": "data." + k})
		}
	}
	return nil
}
