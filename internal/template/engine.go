// Package template renders step content by substituting {{variable}}
// placeholders with per-contact values.
package template

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ds1/outreach/internal/models"
)

// variable pattern for template substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Render substitutes {{variable}} patterns in s. Unknown variables are
// replaced with the empty string so provider payloads never leak raw
// placeholders to recipients.
func Render(s string, vars map[string]string) string {
	if s == "" {
		return s
	}

	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		return ""
	})
}

// Variables returns the distinct placeholder names referenced in s, in
// first-appearance order.
func Variables(s string) []string {
	matches := varPattern.FindAllStringSubmatch(s, -1)
	seen := make(map[string]bool)
	var names []string
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// ContactVars builds the substitution map for a contact. Built-in fields are
// set first, then the contact's custom variables override them.
func ContactVars(c *models.Contact) map[string]string {
	result := map[string]string{
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"email":      c.Email,
		"phone":      c.Phone,
		"company":    c.Company,
	}

	if c.Variables != "" {
		var custom map[string]string
		if err := json.Unmarshal([]byte(c.Variables), &custom); err == nil {
			for k, v := range custom {
				result[k] = v
			}
		}
	}

	return result
}

// RenderTemplate renders a template's subject and body for a contact
func RenderTemplate(tpl *models.Template, c *models.Contact) (subject, body string) {
	vars := ContactVars(c)
	return Render(tpl.Subject, vars), Render(tpl.Body, vars)
}
