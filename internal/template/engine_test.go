package template

import (
	"reflect"
	"testing"

	"github.com/ds1/outreach/internal/models"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		in   string
		vars map[string]string
		want string
	}{
		{
			name: "simple substitution",
			in:   "Hi {{first_name}}, greetings from {{company}}!",
			vars: map[string]string{"first_name": "Ada", "company": "Acme"},
			want: "Hi Ada, greetings from Acme!",
		},
		{
			name: "missing variable becomes empty",
			in:   "Hi {{first_name}}{{unknown}}!",
			vars: map[string]string{"first_name": "Ada"},
			want: "Hi Ada!",
		},
		{
			name: "whitespace inside braces",
			in:   "Hi {{ first_name }}!",
			vars: map[string]string{"first_name": "Ada"},
			want: "Hi Ada!",
		},
		{
			name: "no variables",
			in:   "plain text",
			vars: map[string]string{"first_name": "Ada"},
			want: "plain text",
		},
		{
			name: "empty input",
			in:   "",
			vars: map[string]string{"first_name": "Ada"},
			want: "",
		},
		{
			name: "repeated variable",
			in:   "{{x}} and {{x}}",
			vars: map[string]string{"x": "1"},
			want: "1 and 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.in, tt.vars)
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVariables(t *testing.T) {
	got := Variables("Hi {{first_name}}, {{ company }} misses {{first_name}}")
	want := []string{"first_name", "company"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Variables() = %v, want %v", got, want)
	}
}

func TestContactVars(t *testing.T) {
	c := &models.Contact{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Phone:     "+15551234567",
		Company:   "Analytical Engines",
		Variables: `{"title":"Countess","company":"Override Inc"}`,
	}

	vars := ContactVars(c)

	if vars["first_name"] != "Ada" {
		t.Errorf("first_name = %v, want Ada", vars["first_name"])
	}
	if vars["title"] != "Countess" {
		t.Errorf("title = %v, want Countess", vars["title"])
	}
	// Custom variables win over built-in fields
	if vars["company"] != "Override Inc" {
		t.Errorf("company = %v, want Override Inc", vars["company"])
	}
}

func TestRenderTemplate(t *testing.T) {
	tpl := &models.Template{
		Subject: "Quick question, {{first_name}}",
		Body:    "Hi {{first_name}}, does {{company}} need widgets?",
	}
	c := &models.Contact{FirstName: "Ada", Company: "Acme"}

	subject, body := RenderTemplate(tpl, c)
	if subject != "Quick question, Ada" {
		t.Errorf("subject = %q", subject)
	}
	if body != "Hi Ada, does Acme need widgets?" {
		t.Errorf("body = %q", body)
	}
}
