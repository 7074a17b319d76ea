// Package document turns a raw curriculum file into the baseline document.
// YAML and JSON files are validated against an embedded JSON Schema; CSV
// files are read as a course table.
package document

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"curricula/internal/domain"
)

// ErrUnsupportedFormat is returned for file types other than YAML, JSON and
// CSV.
var ErrUnsupportedFormat = errors.New("unsupported document format")

//go:embed schema/curriculum.schema.json
var schemaJSON string

const schemaURL = "https://curricula.local/schema/curriculum.schema.json"

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("load curriculum schema: %w", err)
	}
	return c.Compile(schemaURL)
})

// ParseFile reads and parses the file at path.
func ParseFile(path string) (domain.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Document{}, err
	}
	defer f.Close()
	return Parse(filepath.Base(path), f)
}

// Parse reads a document in the format named by the extension of name. The
// result has version 0, recomputed aggregates and satisfies the document
// invariants.
func Parse(name string, r io.Reader) (domain.Document, error) {
	var (
		doc domain.Document
		err error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		doc, err = parseYAML(r)
	case ".json":
		doc, err = parseJSON(r)
	case ".csv":
		doc, err = parseCSV(r)
		if err == nil && doc.Metadata.Major == "" {
			doc.Metadata.Major = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
		}
	default:
		return domain.Document{}, fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("%s: %w", name, err)
	}
	finish(&doc)
	if err := doc.Validate(); err != nil {
		return domain.Document{}, fmt.Errorf("%s: %w", name, err)
	}
	return doc, nil
}

func parseYAML(r io.Reader) (domain.Document, error) {
	var raw any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Document{}, errors.New("empty document")
		}
		return domain.Document{}, fmt.Errorf("decode yaml: %w", err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return domain.Document{}, fmt.Errorf("convert yaml: %w", err)
	}
	return decodeValidated(b)
}

func parseJSON(r io.Reader) (domain.Document, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return domain.Document{}, err
	}
	return decodeValidated(b)
}

func decodeValidated(b []byte) (domain.Document, error) {
	schema, err := compiled()
	if err != nil {
		return domain.Document{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return domain.Document{}, fmt.Errorf("decode json: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return domain.Document{}, fmt.Errorf("schema: %w", err)
	}
	var doc domain.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return domain.Document{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

var csvAliases = map[string]string{
	"code":         "id",
	"course":       "name",
	"prerequisite": "prerequisites",
	"skill":        "skills",
}

// parseCSV reads one course per row. The header names the columns; id, name,
// credits and category are required, lists are separated by semicolons.
func parseCSV(r io.Reader) (domain.Document, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Document{}, errors.New("empty document")
		}
		return domain.Document{}, fmt.Errorf("read header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if alias, ok := csvAliases[h]; ok {
			h = alias
		}
		cols[h] = i
	}
	for _, req := range []string{"id", "name", "credits", "category"} {
		if _, ok := cols[req]; !ok {
			return domain.Document{}, fmt.Errorf("missing column %q", req)
		}
	}

	var doc domain.Document
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.Document{}, err
		}
		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		if field("id") == "" && field("name") == "" {
			continue
		}
		c := domain.Course{
			ID:            field("id"),
			Name:          field("name"),
			Category:      field("category"),
			Prerequisites: splitList(field("prerequisites")),
			Skills:        splitList(field("skills")),
		}
		if c.Credits, err = strconv.ParseFloat(field("credits"), 64); err != nil {
			return domain.Document{}, fmt.Errorf("line %d: credits: %w", line, err)
		}
		if c.Hours, err = optionalInt(field("hours")); err != nil {
			return domain.Document{}, fmt.Errorf("line %d: hours: %w", line, err)
		}
		if c.Semester, err = optionalInt(field("semester")); err != nil {
			return domain.Document{}, fmt.Errorf("line %d: semester: %w", line, err)
		}
		doc.Courses = append(doc.Courses, c)
	}
	if len(doc.Courses) == 0 {
		return domain.Document{}, errors.New("no courses")
	}
	return doc, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// finish derives the skill map from course skills when the input has none
// and recomputes the credit aggregates.
func finish(doc *domain.Document) {
	doc.Version = 0
	if len(doc.SkillMap) == 0 {
		skills := map[string][]string{}
		for _, c := range doc.Courses {
			for _, s := range c.Skills {
				skills[s] = append(skills[s], c.ID)
			}
		}
		for s := range skills {
			sort.Strings(skills[s])
		}
		if len(skills) > 0 {
			doc.SkillMap = skills
		}
	}
	doc.Recompute()
}
