// Package diff compares score revisions, either as unified line diffs of
// their text derivatives or as structural differences between their
// parsed scores.
package diff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/ourtextscores/scorecore/internal/musicxml"
)

// Kind classifies a difference.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
	Modify Kind = "modify"
)

// Delta is one structural difference.
type Delta struct {
	Kind    Kind   `json:"kind"`
	Part    string `json:"part"`
	Measure string `json:"measure,omitempty"`
	Lane    string `json:"lane,omitempty"`
	// Position is 1-based within the lane: in the newer score for inserts
	// and modifications, in the older one for deletions.
	Position int    `json:"position,omitempty"`
	Before   string `json:"before,omitempty"`
	After    string `json:"after,omitempty"`
}

func (d Delta) String() string {
	loc := "part " + d.Part
	if d.Measure != "" {
		loc += " measure " + d.Measure
	}
	if d.Lane != "" {
		loc += " " + d.Lane
	}
	if d.Position > 0 {
		loc += fmt.Sprintf(" #%d", d.Position)
	}
	switch d.Kind {
	case Insert:
		return fmt.Sprintf("inserted at %s: `%s`", loc, d.After)
	case Delete:
		return fmt.Sprintf("deleted at %s: `%s`", loc, d.Before)
	default:
		return fmt.Sprintf("modified at %s: `%s` to `%s`", loc, d.Before, d.After)
	}
}

// Report is the ordered list of differences between two revisions.
type Report struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	DeltaCount int     `json:"deltaCount"`
	Deltas     []Delta `json:"deltas"`
}

// Compare returns the structural differences from a to b. Parts are
// aligned by id, measures by index and events per (staff, voice) lane by
// longest common subsequence.
func Compare(a, b *musicxml.Score) *Report {
	r, _ := CompareContext(context.Background(), a, b)
	return r
}

// CompareContext is Compare that gives up with ctx's error once ctx is
// done. It checks between measures and while aligning long lanes.
func CompareContext(ctx context.Context, a, b *musicxml.Score) (*Report, error) {
	r := &Report{Deltas: []Delta{}}

	byID := make(map[string]*musicxml.Part, len(b.Parts))
	for i := range b.Parts {
		byID[b.Parts[i].ID] = &b.Parts[i]
	}
	seen := make(map[string]bool)
	for i := range a.Parts {
		pa := &a.Parts[i]
		seen[pa.ID] = true
		pb, ok := byID[pa.ID]
		if !ok {
			r.Deltas = append(r.Deltas, Delta{Kind: Delete, Part: pa.ID, Before: partSummary(pa)})
			continue
		}
		deltas, err := compareParts(ctx, pa, pb)
		if err != nil {
			return nil, err
		}
		r.Deltas = append(r.Deltas, deltas...)
	}
	for i := range b.Parts {
		if pb := &b.Parts[i]; !seen[pb.ID] {
			r.Deltas = append(r.Deltas, Delta{Kind: Insert, Part: pb.ID, After: partSummary(pb)})
		}
	}
	r.DeltaCount = len(r.Deltas)
	return r, nil
}

func partSummary(p *musicxml.Part) string {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return fmt.Sprintf("%s (%d measures)", name, len(p.Measures))
}

func compareParts(ctx context.Context, a, b *musicxml.Part) ([]Delta, error) {
	var out []Delta
	n := len(a.Measures)
	if len(b.Measures) > n {
		n = len(b.Measures)
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch {
		case i >= len(b.Measures):
			m := a.Measures[i]
			out = append(out, Delta{Kind: Delete, Part: a.ID, Measure: measureLabel(m, i),
				Before: fmt.Sprintf("%d events", len(m.Events))})
		case i >= len(a.Measures):
			m := b.Measures[i]
			out = append(out, Delta{Kind: Insert, Part: b.ID, Measure: measureLabel(m, i),
				After: fmt.Sprintf("%d events", len(m.Events))})
		default:
			deltas, err := compareMeasures(ctx, b.ID, measureLabel(b.Measures[i], i), a.Measures[i], b.Measures[i])
			if err != nil {
				return nil, err
			}
			out = append(out, deltas...)
		}
	}
	return out, nil
}

func measureLabel(m musicxml.Measure, index int) string {
	if m.Number != "" {
		return m.Number
	}
	return fmt.Sprintf("#%d", index+1)
}

func compareMeasures(ctx context.Context, part, measure string, a, b musicxml.Measure) ([]Delta, error) {
	out, err := alignLane(ctx, part, measure, "attributes", a.Attributes, b.Attributes)
	if err != nil {
		return nil, err
	}

	lanes := a.Lanes()
	known := make(map[musicxml.Lane]bool, len(lanes))
	for _, l := range lanes {
		known[l] = true
	}
	for _, l := range b.Lanes() {
		if !known[l] {
			lanes = append(lanes, l)
		}
	}
	for _, l := range lanes {
		deltas, err := alignLane(ctx, part, measure, l.String(), tokens(a.EventsIn(l)), tokens(b.EventsIn(l)))
		if err != nil {
			return nil, err
		}
		out = append(out, deltas...)
	}
	return out, nil
}

func tokens(events []musicxml.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Token()
	}
	return out
}

type opKind int

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

type op struct {
	kind opKind
	a, b int
}

// alignLane diffs two token sequences and folds each run of deletions
// adjacent to a run of insertions into pairwise modifications.
func alignLane(ctx context.Context, part, measure, lane string, a, b []string) ([]Delta, error) {
	ops, err := lcsScript(ctx, a, b)
	if err != nil {
		return nil, err
	}

	var out []Delta
	for i := 0; i < len(ops); {
		if ops[i].kind == opEqual {
			i++
			continue
		}
		var dels, ins []op
		for ; i < len(ops) && ops[i].kind != opEqual; i++ {
			if ops[i].kind == opDelete {
				dels = append(dels, ops[i])
			} else {
				ins = append(ins, ops[i])
			}
		}
		pairs := len(dels)
		if len(ins) < pairs {
			pairs = len(ins)
		}
		for k := 0; k < pairs; k++ {
			out = append(out, Delta{Kind: Modify, Part: part, Measure: measure, Lane: lane,
				Position: ins[k].b + 1, Before: a[dels[k].a], After: b[ins[k].b]})
		}
		for _, d := range dels[pairs:] {
			out = append(out, Delta{Kind: Delete, Part: part, Measure: measure, Lane: lane,
				Position: d.a + 1, Before: a[d.a]})
		}
		for _, in := range ins[pairs:] {
			out = append(out, Delta{Kind: Insert, Part: part, Measure: measure, Lane: lane,
				Position: in.b + 1, After: b[in.b]})
		}
	}
	return out, nil
}

// lcsScript returns an edit script turning a into b. The table fill is
// quadratic, so ctx is checked once per row.
func lcsScript(ctx context.Context, a, b []string) ([]op, error) {
	n, m := len(a), len(b)
	// table[i][j] is the LCS length of a[i:] and b[j:].
	table := make([][]int, n+1)
	for i := range table {
		table[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}

	var ops []op
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			ops = append(ops, op{opEqual, i, j})
			i++
			j++
		case table[i+1][j] >= table[i][j+1]:
			ops = append(ops, op{opDelete, i, j})
			i++
		default:
			ops = append(ops, op{opInsert, i, j})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, op{opDelete, i, j})
	}
	for ; j < m; j++ {
		ops = append(ops, op{opInsert, i, j})
	}
	return ops, nil
}

// Build parses two canonical documents and compares them within ctx.
func Build(ctx context.Context, a, b []byte, from, to string) (*Report, error) {
	da, err := musicxml.ParseXML(a)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", from, err)
	}
	db, err := musicxml.ParseXML(b)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", to, err)
	}
	r, err := CompareContext(ctx, da.Score, db.Score)
	if err != nil {
		return nil, err
	}
	r.From, r.To = from, to
	return r, nil
}

// Text renders the report as Markdown.
func (r *Report) Text() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Score diff %s to %s\n\n", r.From, r.To)
	switch r.DeltaCount {
	case 0:
		buf.WriteString("No differences.\n")
		return buf.Bytes()
	case 1:
		buf.WriteString("1 difference.\n\n")
	default:
		fmt.Fprintf(&buf, "%d differences.\n\n", r.DeltaCount)
	}
	for i, d := range r.Deltas {
		fmt.Fprintf(&buf, "%d. %s\n", i+1, strings.ReplaceAll(d.String(), "\n", " "))
	}
	return buf.Bytes()
}

// HTML renders the Markdown report as an HTML fragment.
func (r *Report) HTML() ([]byte, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(r.Text(), &buf); err != nil {
		return nil, fmt.Errorf("rendering diff report: %w", err)
	}
	return buf.Bytes(), nil
}

// Encode returns the JSON form stored in the diffReport slot.
func (r *Report) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReport reads a stored report.
func DecodeReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding diff report: %w", err)
	}
	return &r, nil
}
