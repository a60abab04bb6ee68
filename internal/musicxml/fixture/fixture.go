// Package fixture builds small MusicXML scores for tests.
package fixture

import (
	"fmt"
	"strings"
)

// Score returns a single-part piano score with one quarter note per
// pitch, four to a measure. Pitches are written as step plus octave,
// e.g. "C4", with an optional '#' or 'b' after the step.
func Score(title string, pitches ...string) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="no"?>
<!DOCTYPE score-partwise PUBLIC "-//Recordare//DTD MusicXML 4.0 Partwise//EN" "http://www.musicxml.org/dtds/partwise.dtd">
<score-partwise version="4.0">
  <movement-title>` + title + `</movement-title>
  <identification>
    <encoding><software>fixture</software><encoding-date>2024-01-01</encoding-date></encoding>
  </identification>
  <part-list>
    <score-part id="P1"><part-name>Piano</part-name></score-part>
  </part-list>
  <part id="P1">
`)
	for i := 0; i < len(pitches) || i == 0; i += 4 {
		fmt.Fprintf(&b, "    <measure number=\"%d\">\n", i/4+1)
		if i == 0 {
			b.WriteString("      <attributes><divisions>1</divisions><key><fifths>0</fifths></key><time><beats>4</beats><beat-type>4</beat-type></time><clef><sign>G</sign><line>2</line></clef></attributes>\n")
		}
		for j := i; j < i+4 && j < len(pitches); j++ {
			b.WriteString(note(pitches[j]))
		}
		b.WriteString("    </measure>\n")
	}
	b.WriteString("  </part>\n</score-partwise>\n")
	return []byte(b.String())
}

func note(p string) string {
	step, rest := p[:1], p[1:]
	alter := ""
	switch {
	case strings.HasPrefix(rest, "#"):
		alter, rest = "<alter>1</alter>", rest[1:]
	case strings.HasPrefix(rest, "b"):
		alter, rest = "<alter>-1</alter>", rest[1:]
	}
	return fmt.Sprintf("      <note><pitch><step>%s</step>%s<octave>%s</octave></pitch><duration>1</duration><voice>1</voice><type>quarter</type></note>\n",
		step, alter, rest)
}
