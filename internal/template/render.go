package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ERPlora/module-messaging/internal/channel"
)

// ErrMissingVariable is wrapped by MissingVariableError
var ErrMissingVariable = errors.New("missing template variable")

// MissingVariableError lists every token without a binding
type MissingVariableError struct {
	Names []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing template variable: %s", strings.Join(e.Names, ", "))
}

func (e *MissingVariableError) Unwrap() error {
	return ErrMissingVariable
}

// RenderResult is the rendered subject and body
type RenderResult struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render substitutes bindings into the template for delivery on target.
//
// Every token of subject and body is checked before anything is replaced, so a
// missing binding never yields a partially rendered message. Substituted values
// are not scanned again.
func Render(t *Template, target channel.Channel, bindings map[string]string) (*RenderResult, error) {
	subject := t.Subject
	if subject != "" && !target.AllowsSubject() {
		if t.Channel != channel.All {
			return nil, fmt.Errorf("%w: subject on %s", ErrUnknownChannelField, target)
		}
		subject = ""
	}

	var missing []string
	for _, name := range ExtractVariables(subject, t.Body) {
		if _, ok := bindings[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingVariableError{Names: missing}
	}

	return &RenderResult{
		Subject: substitute(subject, bindings),
		Body:    substitute(t.Body, bindings),
	}, nil
}

func substitute(text string, bindings map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		return bindings[tokenPattern.FindStringSubmatch(token)[1]]
	})
}

// ExtractVariables returns the sorted, distinct variable names used in texts
func ExtractVariables(texts ...string) []string {
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, m := range tokenPattern.FindAllStringSubmatch(text, -1) {
			seen[m[1]] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
