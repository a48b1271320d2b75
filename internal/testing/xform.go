package testing

import (
	"fmt"
	"strings"
)

// XForm describes a minimal form definition for tests.
type XForm struct {
	Title         string
	FormID        string
	Version       string
	SubmissionURI string
	PublicKey     string
	AutoSend      string
	Geopoint      bool
	Entities      bool
	Languages     []string // the first one is marked as default
}

// String renders the definition as XML.
func (x XForm) String() string {
	var b strings.Builder

	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml" ` +
		`xmlns:orx="http://openrosa.org/xforms" xmlns:entities="http://www.opendatakit.org/xforms/entities">` + "\n")
	fmt.Fprintf(&b, "<h:head><h:title>%s</h:title>\n", x.Title)

	if x.Entities {
		b.WriteString(`<model entities:entities-version="2022.1.0">` + "\n")
	} else {
		b.WriteString("<model>\n")
	}

	if len(x.Languages) > 0 {
		b.WriteString("<itext>\n")
		for i, lang := range x.Languages {
			def := ""
			if i == 0 {
				def = ` default="true()"`
			}
			fmt.Fprintf(&b, `<translation lang="%s"%s><text id="q"><value>q</value></text></translation>`+"\n", lang, def)
		}
		b.WriteString("</itext>\n")
	}

	version := ""
	if x.Version != "" {
		version = fmt.Sprintf(` version="%s"`, x.Version)
	}
	fmt.Fprintf(&b, `<instance><data id="%s"%s><name/><location/><meta><instanceID/></meta></data></instance>`+"\n",
		x.FormID, version)
	b.WriteString(`<instance id="cities"><root><item><name>x</name></item></root></instance>` + "\n")

	if x.SubmissionURI != "" || x.PublicKey != "" || x.AutoSend != "" {
		fmt.Fprintf(&b, `<submission action="%s" method="post" base64RsaPublicKey="%s" orx:auto-send="%s"/>`+"\n",
			x.SubmissionURI, x.PublicKey, x.AutoSend)
	}

	b.WriteString(`<bind nodeset="/data/name" type="string"/>` + "\n")
	if x.Geopoint {
		b.WriteString(`<bind nodeset="/data/location" type="geopoint"/>` + "\n")
	}
	b.WriteString("</model></h:head>\n<h:body><input ref=\"/data/name\"/></h:body>\n</h:html>\n")

	return b.String()
}
