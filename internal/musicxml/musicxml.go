// Package musicxml reads MusicXML and compressed MXL scores and derives
// the canonical, linearized and archived forms stored for each revision.
package musicxml

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	partwise = "score-partwise"
	timewise = "score-timewise"
)

// Document is a parsed score.
type Document struct {
	root  *Node
	Score *Score
}

// Score is the musical content used for linearization and diffs.
type Score struct {
	Title string
	Parts []Part
}

// Part is one instrument line.
type Part struct {
	ID         string
	Name       string
	Instrument string
	Measures   []Measure
}

// Measure holds the attribute changes and events of one bar.
type Measure struct {
	Number     string
	Attributes []string
	Events     []Event
}

// Event is a note, rest or chord member within one staff and voice.
type Event struct {
	Staff    string
	Voice    string
	Rest     bool
	Chord    bool
	Grace    bool
	Pitch    string
	Duration int
	Type     string
	Dots     int
	Tie      string
}

// Lane identifies one (staff, voice) stream inside a measure.
type Lane struct {
	Staff string
	Voice string
}

func (l Lane) String() string {
	return "staff " + l.Staff + " voice " + l.Voice
}

// Token renders the event compactly, e.g. "C#4/quarter." or "+E4/half~".
func (e Event) Token() string {
	var b strings.Builder
	if e.Chord {
		b.WriteByte('+')
	}
	if e.Grace {
		b.WriteString("grace:")
	}
	if e.Rest {
		b.WriteString("rest")
	} else {
		b.WriteString(e.Pitch)
	}
	b.WriteByte('/')
	if e.Type != "" {
		b.WriteString(e.Type)
	} else {
		b.WriteString(strconv.Itoa(e.Duration))
	}
	b.WriteString(strings.Repeat(".", e.Dots))
	switch e.Tie {
	case "start":
		b.WriteByte('~')
	case "stop":
		b.WriteString("^")
	case "both":
		b.WriteString("^~")
	}
	return b.String()
}

// Lanes returns the measure's (staff, voice) streams in first-seen order.
func (m Measure) Lanes() []Lane {
	var lanes []Lane
	seen := make(map[Lane]bool)
	for _, e := range m.Events {
		l := Lane{Staff: e.Staff, Voice: e.Voice}
		if !seen[l] {
			seen[l] = true
			lanes = append(lanes, l)
		}
	}
	return lanes
}

// EventsIn returns the events of one lane in document order.
func (m Measure) EventsIn(l Lane) []Event {
	var out []Event
	for _, e := range m.Events {
		if e.Staff == l.Staff && e.Voice == l.Voice {
			out = append(out, e)
		}
	}
	return out
}

// Parse reads a score. Compressed MXL is recognized by its zip signature
// or the .mxl extension.
func Parse(data []byte, filename string) (*Document, error) {
	if IsArchive(data) || strings.HasSuffix(strings.ToLower(filename), ".mxl") {
		inner, err := ReadArchive(data)
		if err != nil {
			return nil, err
		}
		data = inner
	}
	return ParseXML(data)
}

// ParseXML reads an uncompressed MusicXML document.
func ParseXML(data []byte) (*Document, error) {
	root, err := decodeTree(data)
	if err != nil {
		return nil, err
	}
	switch root.Name {
	case partwise:
	case timewise:
		root = toPartwise(root)
	default:
		return nil, fmt.Errorf("not a MusicXML score: root element is <%s>", root.Name)
	}
	stripVolatile(root)

	doc := &Document{root: root, Score: extractScore(root)}
	if len(doc.Score.Parts) == 0 {
		return nil, fmt.Errorf("score contains no parts")
	}
	return doc, nil
}

// Canonical returns the deterministic MusicXML serialization. Two
// documents with the same musical content and metadata serialize to the
// same bytes regardless of the exporting tool's formatting.
func (d *Document) Canonical() []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	writeCanonical(&buf, d.root, 0)
	return buf.Bytes()
}

// stripVolatile drops encoder details that change on every save.
func stripVolatile(root *Node) {
	ident := root.Child("identification")
	if ident == nil {
		return
	}
	kept := ident.Children[:0]
	for _, c := range ident.Children {
		if c.Name != "encoding" {
			kept = append(kept, c)
		}
	}
	ident.Children = kept
}

// toPartwise regroups a timewise score (measure > part) as partwise
// (part > measure).
func toPartwise(root *Node) *Node {
	out := &Node{Name: partwise, Attrs: root.Attrs}
	parts := make(map[string]*Node)
	var order []string
	for _, c := range root.Children {
		if c.Name != "measure" {
			out.Children = append(out.Children, c)
			continue
		}
		for _, p := range c.All("part") {
			id := p.Attr("id")
			part, ok := parts[id]
			if !ok {
				part = &Node{Name: "part", Attrs: p.Attrs}
				parts[id] = part
				order = append(order, id)
			}
			part.Children = append(part.Children, &Node{Name: "measure", Attrs: c.Attrs, Children: p.Children})
		}
	}
	for _, id := range order {
		out.Children = append(out.Children, parts[id])
	}
	return out
}

func extractScore(root *Node) *Score {
	s := &Score{Title: root.ChildText("movement-title")}
	if s.Title == "" {
		if w := root.Path("work", "work-title"); w != nil {
			s.Title = w.Text
		}
	}

	names := make(map[string]*Node)
	if pl := root.Child("part-list"); pl != nil {
		for _, sp := range pl.All("score-part") {
			names[sp.Attr("id")] = sp
		}
	}

	for i, pn := range root.All("part") {
		p := Part{ID: pn.Attr("id")}
		if p.ID == "" {
			p.ID = "P" + strconv.Itoa(i+1)
		}
		if sp := names[p.ID]; sp != nil {
			p.Name = sp.ChildText("part-name")
			if inst := sp.Path("score-instrument", "instrument-name"); inst != nil {
				p.Instrument = inst.Text
			}
		}
		for _, mn := range pn.All("measure") {
			p.Measures = append(p.Measures, extractMeasure(mn))
		}
		s.Parts = append(s.Parts, p)
	}
	return s
}

func extractMeasure(mn *Node) Measure {
	m := Measure{Number: mn.Attr("number")}
	for _, c := range mn.Children {
		switch c.Name {
		case "attributes":
			m.Attributes = append(m.Attributes, describeAttributes(c)...)
		case "note":
			m.Events = append(m.Events, extractNote(c))
		}
	}
	return m
}

func describeAttributes(n *Node) []string {
	var out []string
	for _, c := range n.Children {
		switch c.Name {
		case "key":
			s := "key " + c.ChildText("fifths")
			if mode := c.ChildText("mode"); mode != "" {
				s += " " + mode
			}
			out = append(out, s)
		case "time":
			out = append(out, "time "+c.ChildText("beats")+"/"+c.ChildText("beat-type"))
		case "clef":
			s := "clef " + c.ChildText("sign") + c.ChildText("line")
			if num := c.Attr("number"); num != "" {
				s += " staff " + num
			}
			out = append(out, s)
		case "divisions":
			out = append(out, "divisions "+c.Text)
		case "staves":
			out = append(out, "staves "+c.Text)
		}
	}
	return out
}

func extractNote(n *Node) Event {
	e := Event{
		Staff: n.ChildText("staff"),
		Voice: n.ChildText("voice"),
		Rest:  n.Child("rest") != nil,
		Chord: n.Child("chord") != nil,
		Grace: n.Child("grace") != nil,
		Type:  n.ChildText("type"),
		Dots:  len(n.All("dot")),
	}
	if e.Staff == "" {
		e.Staff = "1"
	}
	if e.Voice == "" {
		e.Voice = "1"
	}
	e.Duration, _ = strconv.Atoi(n.ChildText("duration"))
	if p := n.Child("pitch"); p != nil {
		e.Pitch = p.ChildText("step") + accidental(p.ChildText("alter")) + p.ChildText("octave")
	} else if u := n.Child("unpitched"); u != nil {
		e.Pitch = "x" + u.ChildText("display-step") + u.ChildText("display-octave")
	}
	var start, stop bool
	for _, t := range n.All("tie") {
		switch t.Attr("type") {
		case "start":
			start = true
		case "stop":
			stop = true
		}
	}
	switch {
	case start && stop:
		e.Tie = "both"
	case start:
		e.Tie = "start"
	case stop:
		e.Tie = "stop"
	}
	return e
}

func accidental(alter string) string {
	switch alter {
	case "", "0":
		return ""
	case "1":
		return "#"
	case "2":
		return "##"
	case "-1":
		return "b"
	case "-2":
		return "bb"
	}
	return "(" + alter + ")"
}
