// Package recipe parses, validates and executes build recipes.
//
// A recipe is an XML document with a <build> root whose children are
// <step> elements; each step holds one or more namespaced command
// elements. The master annotates a recipe with the build coordinates
// before transmission; the slave executes its steps through a command
// Registry and collects leveled logs, reports and errors per step.
package recipe

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/html/charset"
)

var (
	// ErrInvalidRecipe indicates a recipe document that cannot be
	// processed: wrong structure, duplicate or missing step ids, or an
	// unknown command.
	ErrInvalidRecipe = errors.New("recipe: invalid recipe")

	// ErrStepFailed indicates a step whose commands reported errors and
	// whose OnError policy is "fail". The build must be marked failed.
	ErrStepFailed = errors.New("recipe: step failed")
)

// Recognized values of the onerror step attribute. "continue" proceeds
// with the build marked as failed, "ignore" proceeds without failing
// the build.
const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
	OnErrorIgnore   = "ignore"
)

// Document is a parsed build recipe. It is a value type: Annotated
// renders a new document and never modifies the receiver, so builds
// sharing a config can be dispatched concurrently.
type Document struct {
	// Root is the local name of the root element, "build" for a valid
	// recipe.
	Root string

	// Attrs holds the root element attributes. On a recipe received
	// from the master these include the injected project, path and
	// revision values.
	Attrs map[string]string

	// Steps are the top-level children in document order.
	Steps []Step

	src []byte
}

// Step is one build step together with its command elements.
type Step struct {
	ID          string
	Description string
	OnError     string
	Commands    []Command

	elem xml.Name
}

// Command is a single namespaced command element of a step. Attrs holds
// the attribute values as written, without interpolation.
type Command struct {
	NS    string
	Name  string
	Attrs map[string]string

	nested bool
}

// QName returns the qualified command name used for registry lookups
// and for the generator attribute of result documents.
func (c Command) QName() string {
	return c.NS + "#" + c.Name
}

// Parse decodes a recipe document. Non-UTF-8 encodings declared in the
// XML prolog are honored. Parse does not enforce recipe structure; call
// Validate for that.
func Parse(src []byte) (Document, error) {
	doc := Document{src: append([]byte(nil), src...)}

	d := xml.NewDecoder(bytes.NewReader(src))
	d.CharsetReader = charset.NewReaderLabel

	root, err := nextStart(d)
	if err != nil {
		return Document{}, fmt.Errorf("parse recipe: %w", err)
	}
	doc.Root = root.Name.Local
	for _, a := range root.Attr {
		if isNamespaceDecl(a.Name) {
			continue
		}
		if doc.Attrs == nil {
			doc.Attrs = make(map[string]string)
		}
		doc.Attrs[a.Name.Local] = a.Value
	}

	for {
		tok, err := d.Token()
		if err != nil {
			return Document{}, fmt.Errorf("parse recipe: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			step, err := parseStep(d, t)
			if err != nil {
				return Document{}, fmt.Errorf("parse recipe: %w", err)
			}
			doc.Steps = append(doc.Steps, step)
		case xml.EndElement:
			return doc, nil
		}
	}
}

// nextStart skips prolog tokens up to the root start element.
func nextStart(d *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return xml.StartElement{}, errors.New("document has no root element")
		}
		if err != nil {
			return xml.StartElement{}, err
		}
		if t, ok := tok.(xml.StartElement); ok {
			return t, nil
		}
	}
}

func parseStep(d *xml.Decoder, start xml.StartElement) (Step, error) {
	step := Step{
		ID:          attrValue(start, "id"),
		Description: attrValue(start, "description"),
		OnError:     attrValue(start, "onerror"),
		elem:        start.Name,
	}
	if step.OnError == "" {
		step.OnError = OnErrorFail
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return Step{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			cmd, err := parseCommand(d, t)
			if err != nil {
				return Step{}, err
			}
			step.Commands = append(step.Commands, cmd)
		case xml.EndElement:
			return step, nil
		}
	}
}

func parseCommand(d *xml.Decoder, start xml.StartElement) (Command, error) {
	cmd := Command{NS: start.Name.Space, Name: start.Name.Local}
	for _, a := range start.Attr {
		if isNamespaceDecl(a.Name) {
			continue
		}
		if cmd.Attrs == nil {
			cmd.Attrs = make(map[string]string)
		}
		cmd.Attrs[a.Name.Local] = a.Value
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return Command{}, err
		}
		switch tok.(type) {
		case xml.StartElement:
			cmd.nested = true
			if err := d.Skip(); err != nil {
				return Command{}, err
			}
		case xml.EndElement:
			return cmd, nil
		}
	}
}

func attrValue(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func isNamespaceDecl(name xml.Name) bool {
	return name.Space == "xmlns" || (name.Space == "" && name.Local == "xmlns")
}

// Validate checks the recipe structure: the root element must be
// <build> with at least one <step> child, step ids must be present and
// unique, every step needs at least one command, and command elements
// may not have nested content. All violations wrap ErrInvalidRecipe.
func (doc Document) Validate() error {
	if doc.Root != "build" {
		return fmt.Errorf("root element must be <build>: %w", ErrInvalidRecipe)
	}
	if len(doc.Steps) == 0 {
		return fmt.Errorf("recipe defines no build steps: %w", ErrInvalidRecipe)
	}
	seen := make(map[string]bool, len(doc.Steps))
	for _, step := range doc.Steps {
		if step.elem.Local != "step" {
			return fmt.Errorf("only <step> elements allowed at top level of recipe: %w", ErrInvalidRecipe)
		}
		if step.ID == "" {
			return fmt.Errorf("steps must have an %q attribute: %w", "id", ErrInvalidRecipe)
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q: %w", step.ID, ErrInvalidRecipe)
		}
		seen[step.ID] = true
		if len(step.Commands) == 0 {
			return fmt.Errorf("step %q has no recipe commands: %w", step.ID, ErrInvalidRecipe)
		}
		for _, cmd := range step.Commands {
			if cmd.nested {
				return fmt.Errorf("recipe command <%s> has nested content: %w", cmd.Name, ErrInvalidRecipe)
			}
		}
	}
	return nil
}

// Annotated renders the document with project, path and revision
// attributes set on the root element, replacing existing ones. The body
// of the document is preserved byte for byte.
func (doc Document) Annotated(project, path, revision string) ([]byte, error) {
	d := xml.NewDecoder(bytes.NewReader(doc.src))

	var tagStart int64
	var root xml.StartElement
	for {
		tagStart = d.InputOffset()
		tok, err := d.RawToken()
		if err != nil {
			return nil, fmt.Errorf("annotate recipe: %w", err)
		}
		if t, ok := tok.(xml.StartElement); ok {
			root = t
			break
		}
	}
	tagEnd := d.InputOffset()

	var buf bytes.Buffer
	buf.Grow(len(doc.src) + 64)
	buf.Write(doc.src[:tagStart])
	buf.WriteByte('<')
	buf.WriteString(rawName(root.Name))
	for _, a := range root.Attr {
		switch rawName(a.Name) {
		case "project", "path", "revision":
			continue
		}
		writeAttr(&buf, rawName(a.Name), a.Value)
	}
	writeAttr(&buf, "project", project)
	writeAttr(&buf, "path", path)
	writeAttr(&buf, "revision", revision)
	if bytes.HasSuffix(bytes.TrimRight(doc.src[tagStart:tagEnd], " \t\r\n"), []byte("/>")) {
		buf.WriteString("/>")
	} else {
		buf.WriteByte('>')
	}
	buf.Write(doc.src[tagEnd:])
	return buf.Bytes(), nil
}

// rawName renders an xml.Name from RawToken, which keeps namespace
// prefixes verbatim in the Space field.
func rawName(n xml.Name) string {
	if n.Space != "" {
		return n.Space + ":" + n.Local
	}
	return n.Local
}

func writeAttr(buf *bytes.Buffer, name, value string) {
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString(`="`)
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteByte('"')
}

// StepByID returns the step named id.
func (doc Document) StepByID(id string) (Step, bool) {
	for _, step := range doc.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}
