// Package chat assembles stored conversation turns into a single prompt
// string using a model-specific chat template.
package chat

import (
	"fmt"
	"sort"

	"unllamabot/internal/models"

	"github.com/flosch/pongo2/v6"
)

// Built-in templates. Content is piped through |safe so pongo2 does not
// HTML-escape the conversation.
var builtinTemplates = map[string]string{
	"chatml": `{% for m in messages %}<|im_start|>{{ m.role }}
{{ m.content|safe }}<|im_end|>
{% endfor %}{% if add_generation_prompt %}<|im_start|>assistant
{% endif %}`,

	"llama3": `{% for m in messages %}<|start_header_id|>{{ m.role }}<|end_header_id|>

{{ m.content|safe }}<|eot_id|>{% endfor %}{% if add_generation_prompt %}<|start_header_id|>assistant<|end_header_id|>

{% endif %}`,

	"mistral": `{% for m in messages %}{% if m.role == "user" %}[INST] {{ m.content|safe }} [/INST]{% elif m.role == "assistant" %} {{ m.content|safe }}</s>{% else %}{{ m.content|safe }}
{% endif %}{% endfor %}`,

	"alpaca": `{% for m in messages %}{% if m.role == "system" %}{{ m.content|safe }}

{% elif m.role == "user" %}### Instruction:
{{ m.content|safe }}

{% else %}### Response:
{{ m.content|safe }}

{% endif %}{% endfor %}{% if add_generation_prompt %}### Response:
{% endif %}`,
}

// Formatter renders conversations with a fixed chat template.
type Formatter struct {
	name string
	tpl  *pongo2.Template
}

// NewFormatter builds a formatter for a named built-in template.
func NewFormatter(name string) (*Formatter, error) {
	source, exists := builtinTemplates[name]
	if !exists {
		return nil, fmt.Errorf("unknown chat template %q (available: %v)", name, TemplateNames())
	}
	tpl, err := pongo2.FromString(source)
	if err != nil {
		return nil, fmt.Errorf("parsing built-in template %q: %w", name, err)
	}
	return &Formatter{name: name, tpl: tpl}, nil
}

// NewFormatterFromFile builds a formatter from a custom template file.
// The template sees the same context as the built-ins: "messages" (each
// with role and content) and "add_generation_prompt".
func NewFormatterFromFile(path string) (*Formatter, error) {
	tpl, err := pongo2.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("parsing chat template file %s: %w", path, err)
	}
	return &Formatter{name: path, tpl: tpl}, nil
}

// Name returns the template's name (or file path for custom templates).
func (f *Formatter) Name() string {
	return f.name
}

// Render formats an ordered conversation into a prompt string. The
// generation prompt tag is appended when the conversation ends with a
// user turn.
func (f *Formatter) Render(messages []models.Message) (string, error) {
	turns := make([]map[string]string, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, map[string]string{
			"role":    string(models.NormalizeRole(string(msg.Role))),
			"content": msg.Content,
		})
	}

	addGenerationPrompt := len(messages) > 0 &&
		models.NormalizeRole(string(messages[len(messages)-1].Role)) == models.RoleUser

	prompt, err := f.tpl.Execute(pongo2.Context{
		"messages":              turns,
		"add_generation_prompt": addGenerationPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("rendering chat template %s: %w", f.name, err)
	}
	return prompt, nil
}

// TemplateNames lists the built-in template names in stable order.
func TemplateNames() []string {
	names := make([]string, 0, len(builtinTemplates))
	for name := range builtinTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
