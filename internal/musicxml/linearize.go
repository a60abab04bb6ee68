package musicxml

import (
	"bytes"
	"strconv"
	"strings"
)

// PrimaryPart returns the piano part when one exists, otherwise the first
// part.
func (s *Score) PrimaryPart() *Part {
	for i := range s.Parts {
		p := &s.Parts[i]
		if strings.Contains(strings.ToLower(p.Instrument), "piano") ||
			strings.Contains(strings.ToLower(p.Name), "piano") {
			return p
		}
	}
	if len(s.Parts) == 0 {
		return nil
	}
	return &s.Parts[0]
}

// Linearize renders the primary part as line-oriented text: one line per
// measure for attribute changes and one per (staff, voice) lane, so a
// single changed note changes a single line.
func (d *Document) Linearize() []byte {
	var buf bytes.Buffer
	p := d.Score.PrimaryPart()
	buf.WriteString("part " + p.ID)
	if p.Name != "" {
		buf.WriteString(" " + p.Name)
	}
	buf.WriteByte('\n')
	for i, m := range p.Measures {
		num := m.Number
		if num == "" {
			num = "#" + strconv.Itoa(i+1)
		}
		if len(m.Attributes) > 0 {
			buf.WriteString("m" + num + " attributes: " + strings.Join(m.Attributes, ", ") + "\n")
		}
		for _, lane := range m.Lanes() {
			events := m.EventsIn(lane)
			tokens := make([]string, len(events))
			for j, e := range events {
				tokens[j] = e.Token()
			}
			buf.WriteString("m" + num + " s" + lane.Staff + " v" + lane.Voice + ": " + strings.Join(tokens, " ") + "\n")
		}
	}
	return buf.Bytes()
}
