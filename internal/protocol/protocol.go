// Package protocol defines the XML documents exchanged between master
// and slaves and the timestamp format they carry.
//
// The HTTP binding moves three document types: the registration
// document a slave POSTs to /builds, the step result document it PUTs
// after every executed step, and the error document the master answers
// with when registration is refused. Recipes travel as annotated raw
// XML and are handled by the recipe package.
package protocol

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/SpamExperts/bitten/internal/recipe"
)

// ContentType identifies protocol documents and recipes on the wire.
const ContentType = "application/x-bitten+xml"

// Error code sent when a slave matches no target platform.
const CodeNothingToBuild = 550

// SlaveDoc is the registration document. The optional children
// describe the machine so target platform rules can match on it.
type SlaveDoc struct {
	XMLName  xml.Name      `xml:"slave"`
	Name     string        `xml:"name,attr"`
	Version  string        `xml:"version,attr,omitempty"`
	Platform *PlatformElem `xml:"platform"`
	OS       *OSElem       `xml:"os"`
	Packages []PackageElem `xml:"package"`
}

// PlatformElem carries the machine name as text and the processor
// architecture as an attribute.
type PlatformElem struct {
	Processor string `xml:"processor,attr,omitempty"`
	Machine   string `xml:",chardata"`
}

// OSElem carries the operating system name as text with family and
// version attributes.
type OSElem struct {
	Family  string `xml:"family,attr,omitempty"`
	Version string `xml:"version,attr,omitempty"`
	Name    string `xml:",chardata"`
}

// PackageElem announces an installed package. Every attribute except
// the name becomes a dotted slave property, so
// <package name="java" version="1.4"/> yields java.version=1.4.
type PackageElem struct {
	Name  string     `xml:"name,attr"`
	Attrs []xml.Attr `xml:",any,attr"`
}

// Props flattens the registration document into the property map used
// for platform matching and recorded as the build's slave info. ipnr
// is the remote address of the connection.
func (d SlaveDoc) Props(ipnr string) map[string]string {
	props := make(map[string]string)
	if ipnr != "" {
		props["ipnr"] = ipnr
	}
	if d.Platform != nil {
		props["machine"] = strings.TrimSpace(d.Platform.Machine)
		props["processor"] = d.Platform.Processor
	}
	if d.OS != nil {
		props["os"] = strings.TrimSpace(d.OS.Name)
		props["family"] = d.OS.Family
		props["version"] = d.OS.Version
	}
	for _, pkg := range d.Packages {
		for _, a := range pkg.Attrs {
			props[pkg.Name+"."+a.Name.Local] = a.Value
		}
	}
	return props
}

// StepDoc is the result document for one executed step.
type StepDoc struct {
	XMLName     xml.Name     `xml:"step"`
	ID          string       `xml:"id,attr"`
	Description string       `xml:"description,attr,omitempty"`
	Time        string       `xml:"time,attr"`
	Duration    float64      `xml:"duration,attr"`
	Result      string       `xml:"result,attr"`
	Logs        []LogElem    `xml:"log"`
	Reports     []ReportElem `xml:"report"`
	Errors      []ErrorElem  `xml:"error"`
}

// Step results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// LogElem is the output of one command, a sequence of leveled
// messages.
type LogElem struct {
	Generator string        `xml:"generator,attr,omitempty"`
	Messages  []MessageElem `xml:"message"`
}

// MessageElem is a single log line.
type MessageElem struct {
	Level string `xml:"level,attr"`
	Text  string `xml:",chardata"`
}

// ReportElem is a categorized report whose child elements are free-form
// items.
type ReportElem struct {
	Category  string     `xml:"category,attr,omitempty"`
	Generator string     `xml:"generator,attr,omitempty"`
	Items     []ItemElem `xml:",any"`
}

// ItemElem is one report item. The element name becomes the item type;
// attributes and child element texts become its fields.
type ItemElem struct {
	XMLName  xml.Name
	Attrs    []xml.Attr  `xml:",any,attr"`
	Children []ItemField `xml:",any"`
}

// ItemField is a child element of a report item holding text content,
// such as the captured output of a test case.
type ItemField struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

// Fields flattens the item into the map form stored by the master,
// with the element name under the "type" key.
func (it ItemElem) Fields() map[string]string {
	fields := map[string]string{"type": it.XMLName.Local}
	for _, a := range it.Attrs {
		fields[a.Name.Local] = a.Value
	}
	for _, c := range it.Children {
		fields[c.XMLName.Local] = c.Text
	}
	return fields
}

// ErrorElem is a command failure message within a step document.
type ErrorElem struct {
	Generator string `xml:"generator,attr,omitempty"`
	Message   string `xml:",chardata"`
}

// ErrorDoc is the error response document, carrying a protocol error
// code and a human readable message.
type ErrorDoc struct {
	XMLName xml.Name `xml:"error"`
	Code    int      `xml:"code,attr,omitempty"`
	Message string   `xml:",chardata"`
}

// NewStepDoc renders the outcome of one executed step. The result is
// failure when any command of the step recorded an error.
func NewStepDoc(step recipe.Step, out recipe.StepOutput, started time.Time, duration time.Duration) StepDoc {
	doc := StepDoc{
		ID:          step.ID,
		Description: step.Description,
		Time:        FormatTime(started),
		Duration:    duration.Seconds(),
		Result:      ResultSuccess,
	}
	if out.Failed() {
		doc.Result = ResultFailure
	}
	for _, l := range out.Logs {
		le := LogElem{Generator: l.Generator}
		for _, m := range l.Messages {
			le.Messages = append(le.Messages, MessageElem{Level: m.Level, Text: m.Text})
		}
		doc.Logs = append(doc.Logs, le)
	}
	for _, r := range out.Reports {
		re := ReportElem{Category: r.Category, Generator: r.Generator}
		for _, item := range r.Items {
			re.Items = append(re.Items, itemElem(item))
		}
		doc.Reports = append(doc.Reports, re)
	}
	for _, e := range out.Errors {
		doc.Errors = append(doc.Errors, ErrorElem{Generator: e.Generator, Message: e.Message})
	}
	return doc
}

// itemElem renders a report item map. The "type" key names the
// element; multi-line values go into child elements because attributes
// cannot hold them readably. Fields are sorted for stable output.
func itemElem(item recipe.ReportItem) ItemElem {
	elem := ItemElem{XMLName: xml.Name{Local: "item"}}
	if t := item["type"]; t != "" {
		elem.XMLName.Local = t
	}
	names := make([]string, 0, len(item))
	for name := range item {
		if name != "type" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		value := item[name]
		if strings.ContainsRune(value, '\n') {
			elem.Children = append(elem.Children, ItemField{XMLName: xml.Name{Local: name}, Text: value})
			continue
		}
		elem.Attrs = append(elem.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	}
	return elem
}

// Decode parses a protocol document from r into v, honoring non-UTF-8
// encodings declared in the XML prolog.
func Decode(r io.Reader, v any) error {
	d := xml.NewDecoder(r)
	d.CharsetReader = charset.NewReaderLabel
	return d.Decode(v)
}

// Marshal renders a protocol document with the standard XML prolog.
func Marshal(v any) ([]byte, error) {
	data, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

// TimeLayout is the ISO-8601 wire timestamp format, UTC without a zone
// suffix.
const TimeLayout = "2006-01-02T15:04:05"

// FormatTime renders t in the wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a wire timestamp as UTC. A fractional seconds
// suffix is tolerated and dropped.
func ParseTime(s string) (time.Time, error) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
