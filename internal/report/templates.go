package report

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"inspection/api/internal/store"
)

var pageTemplate = template.Must(template.New("inspection").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"entries":  entries,
	"isObject": isObject,
	"isList":   isList,
	"display":  display,
}).Parse(inspectionTemplate))

// PageData holds the values rendered into the report page.
type PageData struct {
	PrettyID       string
	BranchCode     string
	Status         string
	PlateNumber    string
	InspectionDate time.Time
	OverallRating  string
	InspectorID    string
	ReviewerID     string
	Sections       []PageSection
	GeneratedAt    time.Time
}

type PageSection struct {
	Name    string
	Title   string
	Entries []Entry
}

type Entry struct {
	Key   string
	Value any
}

// NewPageData flattens a record for the template. Sections keep their
// canonical order and their keys are sorted.
func NewPageData(record store.InspectionRecord, generatedAt time.Time) PageData {
	data := PageData{
		PrettyID:       record.PrettyID,
		BranchCode:     record.BranchCode,
		Status:         record.Status,
		PlateNumber:    record.Content.PlateNumber,
		InspectionDate: record.Content.InspectionDate,
		OverallRating:  record.Content.OverallRating,
		InspectorID:    record.InspectorID,
		GeneratedAt:    generatedAt,
	}
	if record.ReviewerID != nil {
		data.ReviewerID = *record.ReviewerID
	}
	for _, name := range store.SectionNames {
		data.Sections = append(data.Sections, PageSection{
			Name:    name,
			Title:   sectionTitle(name),
			Entries: entries(record.Content.Sections[name]),
		})
	}
	return data
}

// RenderPage renders the inspection report page.
func RenderPage(data PageData) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func entries(value any) []Entry {
	object, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(object))
	for key := range object {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		out = append(out, Entry{Key: key, Value: object[key]})
	}
	return out
}

func isObject(value any) bool {
	_, ok := value.(map[string]any)
	return ok
}

func isList(value any) bool {
	_, ok := value.([]any)
	return ok
}

func display(value any) string {
	switch typed := value.(type) {
	case nil:
		return "-"
	case bool:
		if typed {
			return "Ya"
		}
		return "Tidak"
	case float64:
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%g", typed)
	case string:
		if strings.TrimSpace(typed) == "" {
			return "-"
		}
		return typed
	default:
		return fmt.Sprint(typed)
	}
}

// sectionTitle turns "bodyPaintThickness" into "Body Paint Thickness".
func sectionTitle(name string) string {
	var b strings.Builder
	for i, r := range name {
		if i == 0 {
			b.WriteString(strings.ToUpper(string(r)))
			continue
		}
		if r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

const inspectionTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Inspection {{.PrettyID}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; margin-bottom: 1rem; }
    th, td { border: 1px solid #ccc; padding: 0.3rem 0.5rem; text-align: left; vertical-align: top; }
    th { background: #f5f5f5; width: 35%; }
    .empty { color: #999; font-style: italic; }
  </style>
</head>
<body>
  <h1>Inspection Report {{.PrettyID}}</h1>
  <div class="meta">Branch {{.BranchCode}} | {{.Status}} | Generated {{formatDate .GeneratedAt "02 Jan 2006 15:04 MST"}}</div>
  <table>
    <tr><th>Plate number</th><td>{{.PlateNumber}}</td></tr>
    <tr><th>Inspection date</th><td>{{formatDate .InspectionDate "02 Jan 2006"}}</td></tr>
    <tr><th>Overall rating</th><td>{{.OverallRating}}</td></tr>
    <tr><th>Inspector</th><td>{{.InspectorID}}</td></tr>
    {{if .ReviewerID}}<tr><th>Reviewer</th><td>{{.ReviewerID}}</td></tr>{{end}}
  </table>
  {{range .Sections}}
  <h2 id="{{.Name}}">{{.Title}}</h2>
  {{if .Entries}}{{template "entries" .Entries}}{{else}}<p class="empty">No data</p>{{end}}
  {{end}}
</body>
</html>
{{define "entries"}}<table>{{range .}}
  <tr><th>{{.Key}}</th><td>{{template "value" .Value}}</td></tr>{{end}}
</table>{{end}}
{{define "value"}}{{if isObject .}}{{template "entries" entries .}}{{else if isList .}}<ul>{{range .}}<li>{{template "value" .}}</li>{{end}}</ul>{{else}}{{display .}}{{end}}{{end}}`
