package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fenilsonani/mailrules/internal/batch"
	"github.com/fenilsonani/mailrules/internal/rules"
)

// ruleDoc is the YAML file form of a rule.
type ruleDoc struct {
	ID          string             `yaml:"id,omitempty"`
	Name        string             `yaml:"name"`
	Description string             `yaml:"description,omitempty"`
	Enabled     *bool              `yaml:"enabled,omitempty"`
	Priority    int                `yaml:"priority"`
	Conditions  rules.Condition    `yaml:"conditions"`
	Actions     []rules.ActionSpec `yaml:"actions"`
}

// Rule converts the document. Rules are enabled unless the file says otherwise.
func (d *ruleDoc) Rule() (*rules.Rule, error) {
	r := &rules.Rule{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Enabled:     d.Enabled == nil || *d.Enabled,
		Priority:    d.Priority,
		Conditions:  d.Conditions,
	}
	for i, spec := range d.Actions {
		a, err := rules.FromSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		r.Actions = append(r.Actions, a)
	}
	return r, nil
}

func ruleDocOf(r *rules.Rule) ruleDoc {
	enabled := r.Enabled
	d := ruleDoc{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Enabled:     &enabled,
		Priority:    r.Priority,
		Conditions:  r.Conditions,
	}
	for _, a := range r.Actions {
		d.Actions = append(d.Actions, rules.SpecOf(a))
	}
	return d
}

// emailDoc is the YAML file form of an email to evaluate.
type emailDoc struct {
	ID          string    `yaml:"id"`
	ThreadID    string    `yaml:"thread_id,omitempty"`
	From        string    `yaml:"from"`
	To          []string  `yaml:"to"`
	Subject     string    `yaml:"subject"`
	BodySnippet string    `yaml:"body_snippet,omitempty"`
	Labels      []string  `yaml:"labels,omitempty"`
	IsRead      bool      `yaml:"is_read"`
	ReceivedAt  time.Time `yaml:"received_at"`
	AuthResults []string  `yaml:"auth_results,omitempty"`
}

func (d *emailDoc) Email() *rules.EmailContext {
	return &rules.EmailContext{
		ID:          d.ID,
		ThreadID:    d.ThreadID,
		From:        d.From,
		To:          d.To,
		Subject:     d.Subject,
		BodySnippet: d.BodySnippet,
		Labels:      d.Labels,
		IsRead:      d.IsRead,
		ReceivedAt:  d.ReceivedAt,
		AuthResults: d.AuthResults,
	}
}

// batchDoc is the YAML file form of a batch request.
type batchDoc struct {
	Items []batch.Item `yaml:"items"`
}

// readYAML decodes the file at path, or stdin for "-", rejecting unknown keys.
func readYAML(path string, v any) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	return decodeYAML(r, v)
}

func decodeYAML(r io.Reader, v any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return fmt.Errorf("empty document")
		}
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
