package templatefmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"sosalert/internal/domain"
)

// FuncMap returns shared alert message helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"fmtCoords":   FormatCoords,
		"names":       ContactNames,
		"json":        MarshalJSON,
	}
}

// ParseNotificationTemplate parses one message template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// Render executes compiled template against one alert.
// Params: compiled template and alert payload.
// Returns: trimmed rendered text or execution error.
func Render(tmpl *template.Template, alert domain.EmergencyAlert) (string, error) {
	var out bytes.Buffer
	if err := tmpl.Execute(&out, alert); err != nil {
		return "", fmt.Errorf("render template %q: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(out.String()), nil
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// FormatCoords renders location as "lat,lon (±acc m)" or "unknown location".
// Params: location snapshot.
// Returns: human-readable position.
func FormatCoords(location domain.LocationSnapshot) string {
	if !location.Available || location.Latitude == nil || location.Longitude == nil {
		return "unknown location"
	}
	text := fmt.Sprintf("%.5f,%.5f", *location.Latitude, *location.Longitude)
	if location.Accuracy != nil {
		text += fmt.Sprintf(" (±%.0f m)", *location.Accuracy)
	}
	return text
}

// ContactNames joins contact names with commas.
// Params: contact list.
// Returns: comma separated names or "none".
func ContactNames(contacts []domain.Contact) string {
	if len(contacts) == 0 {
		return "none"
	}
	names := make([]string, 0, len(contacts))
	for _, contact := range contacts {
		names = append(names, contact.Name)
	}
	return strings.Join(names, ", ")
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
