// Package formparse reads the metadata a catalog entry needs from an XForm
// definition. Evaluating the form itself is not its job.
package formparse

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrInvalidForm is returned when a definition lacks required metadata.
var ErrInvalidForm = errors.New("invalid form definition")

// Metadata is what the catalog stores about a form definition.
type Metadata struct {
	Title         string
	FormID        string
	Version       string
	SubmissionURI string
	PublicKey     string
	AutoSend      string
	AutoDelete    string
	GeometryXPath string
	Language      string
	UsesEntities  bool
}

// Parser extracts metadata from a form definition file.
type Parser interface {
	Parse(path string) (Metadata, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(path string) (Metadata, error)

// Parse implements Parser.
func (f ParserFunc) Parse(path string) (Metadata, error) {
	return f(path)
}

// XFormParser parses XForm (ODK XML) definitions.
type XFormParser struct{}

// NewXFormParser creates an XForm parser.
func NewXFormParser() *XFormParser {
	return &XFormParser{}
}

// Parse implements Parser.
func (p *XFormParser) Parse(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	return p.ParseReader(f)
}

// ParseReader parses a definition from r.
func (p *XFormParser) ParseReader(r io.Reader) (Metadata, error) {
	var (
		md         Metadata
		stack      []string
		inInstance bool
		sawMain    bool
		title      strings.Builder
	)

	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Metadata{}, fmt.Errorf("failed to parse form: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			parent := ""
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}
			stack = append(stack, name)

			switch {
			case name == "model":
				if attr(t, "entities-version") != "" {
					md.UsesEntities = true
				}
			case name == "instance" && parent == "model" && !sawMain:
				inInstance = true
			case inInstance && parent == "instance":
				// The first child of the primary instance names the form.
				md.FormID = attr(t, "id")
				if md.FormID == "" {
					md.FormID = name
				}
				md.Version = attr(t, "version")
				inInstance = false
				sawMain = true
			case name == "submission" && parent == "model":
				md.SubmissionURI = strings.TrimSpace(attr(t, "action"))
				md.PublicKey = strings.TrimSpace(attr(t, "base64RsaPublicKey"))
				md.AutoSend = attr(t, "auto-send")
				md.AutoDelete = attr(t, "auto-delete")
			case name == "translation" && parent == "itext":
				if md.Language == "" || strings.HasPrefix(attr(t, "default"), "true") {
					md.Language = attr(t, "lang")
				}
			case name == "bind" && md.GeometryXPath == "":
				switch attr(t, "type") {
				case "geopoint", "geotrace", "geoshape":
					md.GeometryXPath = attr(t, "nodeset")
				}
			}

		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if t.Name.Local == "instance" {
				inInstance = false
			}

		case xml.CharData:
			if len(stack) >= 2 && stack[len(stack)-1] == "title" && stack[len(stack)-2] == "head" {
				title.Write(t)
			}
		}
	}

	md.Title = strings.TrimSpace(title.String())
	if md.FormID == "" {
		return Metadata{}, fmt.Errorf("%w: missing form id", ErrInvalidForm)
	}
	if md.Title == "" {
		md.Title = md.FormID
	}
	return md, nil
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
