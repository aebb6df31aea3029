// Package params builds the concrete, platform-specific payload for a
// Decision: task, notification, document, or card parameters. Builders
// are deterministic given their inputs and the PlatformConfig, apply
// documented defaults for missing optional fields, and record a warning
// for every field that was defaulted rather than supplied. A builder
// rejects with MissingFields when a required field (including required
// configuration, such as a destination container id) is absent.
package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/opscore/reasoning-core/internal/signal"
)

// defaultDueWindow is the fallback due date offset for task payloads
// that do not carry an explicit due date (§4.H).
const defaultDueWindow = 7 * 24 * time.Hour

// BuildError reports which required fields were absent.
type BuildError struct {
	MissingFields []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.MissingFields, ", "))
}

// Result carries the built payload plus any warnings about defaulted
// fields, so callers can surface them without failing the build.
type Result struct {
	Payload  map[string]any
	Warnings []string
}

// PlatformConfig supplies the configuration a builder needs beyond the
// Decision/Signal themselves: default channels, container ids, and the
// assignee/label fallbacks that are organization-specific rather than
// computable from the signal.
type PlatformConfig struct {
	DefaultChannel      string
	DefaultContainerID  string
	DefaultAssignee     string
	DefaultLabels       []string
}

// BuildTask constructs the task-tracker payload described in §4.H: title,
// description (falling back to the signal body), priority, status, due
// date (default +7 days), source tag, assignee, and labels.
func BuildTask(s signal.Signal, d signal.Decision, cfg PlatformConfig) (Result, error) {
	var warnings []string

	title := strings.TrimSpace(s.Subject)
	if title == "" {
		return Result{}, &BuildError{MissingFields: []string{"title"}}
	}

	description, _ := describeSignal(s)
	if description == "" {
		warnings = append(warnings, "description_defaulted_empty_body")
	}

	dueDate, ok := dueDateFromParameters(d.Parameters)
	if !ok {
		dueDate = s.Timestamp.Add(defaultDueWindow)
		warnings = append(warnings, "due_date_defaulted")
	}

	assignee := cfg.DefaultAssignee
	if assignee == "" {
		warnings = append(warnings, "assignee_unset")
	}

	labels := append([]string(nil), cfg.DefaultLabels...)
	if taskType, ok := d.Parameters["type"].(string); ok && taskType != "" {
		labels = append(labels, taskType)
	}

	payload := map[string]any{
		"title":       title,
		"description": description,
		"priority":    d.Priority,
		"status":      "Not Started",
		"due_date":    dueDate,
		"source":      string(s.Source),
		"assignee":    assignee,
		"labels":      labels,
	}

	return Result{Payload: payload, Warnings: warnings}, nil
}

// BuildNotification constructs the notification payload: channel
// (defaulted from config), header/body/context blocks, links, and a
// thread reference when the signal is a reply.
func BuildNotification(s signal.Signal, d signal.Decision, cfg PlatformConfig) (Result, error) {
	var warnings []string

	channel := cfg.DefaultChannel
	if channel == "" {
		return Result{}, &BuildError{MissingFields: []string{"channel"}}
	}

	header := strings.TrimSpace(s.Subject)
	if header == "" {
		header = "(no subject)"
		warnings = append(warnings, "header_defaulted")
	}

	body, links := describeSignal(s)
	payload := map[string]any{
		"channel": channel,
		"header":  header,
		"body":    body,
		"context": map[string]any{
			"source":   string(s.Source),
			"sender":   s.Sender,
			"priority": d.Priority,
		},
	}
	if s.ThreadRef != "" {
		payload["thread_ref"] = s.ThreadRef
	}
	if len(links) > 0 {
		payload["links"] = links
	}

	return Result{Payload: payload, Warnings: warnings}, nil
}

// BuildDocument constructs the document-update payload: target container
// id, file name, description. fileId must be supplied via the decision's
// parameters; this is a hard requirement, not defaulted.
func BuildDocument(s signal.Signal, d signal.Decision, cfg PlatformConfig) (Result, error) {
	var missing []string

	fileID, _ := d.Parameters["file_id"].(string)
	if fileID == "" {
		missing = append(missing, "file_id")
	}

	containerID := cfg.DefaultContainerID
	if v, ok := d.Parameters["container_id"].(string); ok && v != "" {
		containerID = v
	}
	if containerID == "" {
		missing = append(missing, "container_id")
	}

	if len(missing) > 0 {
		return Result{}, &BuildError{MissingFields: missing}
	}

	fileName := strings.TrimSpace(s.Subject)
	var warnings []string
	if fileName == "" {
		fileName = "untitled"
		warnings = append(warnings, "file_name_defaulted")
	}

	description, _ := describeSignal(s)
	payload := map[string]any{
		"container_id": containerID,
		"file_id":      fileID,
		"file_name":    fileName,
		"description":  description,
	}

	return Result{Payload: payload, Warnings: warnings}, nil
}

// cardLabelByPriority maps a priority rank to a board label.
var cardLabelByPriority = map[int]string{
	1: "urgent",
	2: "high",
	3: "normal",
	4: "low",
}

// BuildCard constructs the card/board payload: priority→label mapping,
// position (top for high priority, bottom otherwise), and a source
// reference URL if one is present in the signal's metadata.
func BuildCard(s signal.Signal, d signal.Decision, cfg PlatformConfig) (Result, error) {
	label, ok := cardLabelByPriority[d.Priority]
	var warnings []string
	if !ok {
		label = "normal"
		warnings = append(warnings, "priority_label_defaulted")
	}

	position := "bottom"
	if d.Priority <= 2 {
		position = "top"
	}

	payload := map[string]any{
		"title":    strings.TrimSpace(s.Subject),
		"label":    label,
		"position": position,
	}
	if ref, ok := s.Metadata["source_url"].(string); ok && ref != "" {
		payload["source_reference_url"] = ref
	}

	return Result{Payload: payload, Warnings: warnings}, nil
}

func dueDateFromParameters(parameters map[string]any) (time.Time, bool) {
	raw, ok := parameters["due_date"]
	if !ok {
		return time.Time{}, false
	}
	t, ok := raw.(time.Time)
	return t, ok
}

// Link is a markdown link span recovered from a signal body by
// renderSpans, carried alongside the plain description so a platform
// that supports real links (§4.H/4.I notification payloads) doesn't
// have to re-parse the body to find them.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// describeSignal formats the signal body into a short description: it
// first folds blank-line-delimited paragraphs into single blocks
// (scanning line by line, not with a blind regex replacement), then
// strips markdown-ish emphasis and link markup from the result via
// renderSpans, returning the extracted links alongside the plain text.
func describeSignal(s signal.Signal) (string, []Link) {
	lines := strings.Split(s.Body, "\n")

	var blocks []string
	var current strings.Builder

	flush := func() {
		block := strings.TrimSpace(current.String())
		if block != "" {
			blocks = append(blocks, block)
		}
		current.Reset()
	}

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(strings.TrimSpace(line))
	}
	flush()

	return renderSpans(strings.Join(blocks, "\n\n"))
}

// openSpan is a bold/italic marker the scanner has seen opened but not
// yet matched with a close. at records the index into out at which the
// marker was opened, so an unbalanced marker can be re-inserted as
// literal text if the input ends before it closes.
type openSpan struct {
	marker string
	at     int
}

// renderSpans walks text once, left to right, tracking a stack of open
// bold (**)/italic (*) markers and recognizing [text](url) links
// inline. It is a small explicit state machine rather than a regex
// substitution so that nested and unbalanced markers behave
// predictably: an open marker with no matching close is emitted back
// as literal text instead of silently swallowing the rest of the
// description.
func renderSpans(text string) (string, []Link) {
	runes := []rune(text)
	n := len(runes)

	var out []string
	var plain strings.Builder
	var links []Link
	var stack []openSpan

	flushPlain := func() {
		if plain.Len() > 0 {
			out = append(out, plain.String())
			plain.Reset()
		}
	}

	toggle := func(marker string) {
		flushPlain()
		if len(stack) > 0 && stack[len(stack)-1].marker == marker {
			stack = stack[:len(stack)-1]
			return
		}
		stack = append(stack, openSpan{marker: marker, at: len(out)})
	}

	i := 0
	for i < n {
		switch {
		case i+1 < n && runes[i] == '*' && runes[i+1] == '*':
			toggle("**")
			i += 2
		case runes[i] == '*':
			toggle("*")
			i++
		case runes[i] == '[':
			if linkText, url, consumed, ok := scanLink(runes, i); ok {
				flushPlain()
				out = append(out, linkText)
				links = append(links, Link{Text: linkText, URL: url})
				i += consumed
				continue
			}
			plain.WriteRune(runes[i])
			i++
		default:
			plain.WriteRune(runes[i])
			i++
		}
	}
	flushPlain()

	// Any marker still open at end of input never closed: it wasn't a
	// real span, so restore its literal characters at the point it was
	// seen. Walk innermost-first (stack is outer-to-inner in opening
	// order) so each insertion leaves earlier indices untouched.
	for i := len(stack) - 1; i >= 0; i-- {
		m := stack[i]
		pos := m.at
		if pos > len(out) {
			pos = len(out)
		}
		out = append(out[:pos:pos], append([]string{m.marker}, out[pos:]...)...)
	}

	return strings.Join(out, ""), links
}

// scanLink attempts to parse a [text](url) span starting at runes[start],
// which must be '['. It returns the link text, url, and the number of
// runes consumed (including the brackets/parens) on success.
func scanLink(runes []rune, start int) (text, url string, consumed int, ok bool) {
	i := start + 1
	var textBuf strings.Builder
	for i < len(runes) && runes[i] != ']' {
		textBuf.WriteRune(runes[i])
		i++
	}
	if i >= len(runes) {
		return "", "", 0, false
	}
	i++ // consume ']'

	if i >= len(runes) || runes[i] != '(' {
		return "", "", 0, false
	}
	i++ // consume '('

	var urlBuf strings.Builder
	for i < len(runes) && runes[i] != ')' {
		urlBuf.WriteRune(runes[i])
		i++
	}
	if i >= len(runes) {
		return "", "", 0, false
	}
	i++ // consume ')'

	return textBuf.String(), urlBuf.String(), i - start, true
}
