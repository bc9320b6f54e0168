package routecfg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.yaml.in/yaml/v3"

	"relaybot/internal/conv"
)

// Sheet names of the Excel layout.
const (
	SheetTargets = "group"
	SheetAdmins  = "admins"
)

// Column headers shared by both sheets.
var columns = []string{"group_name", "name", "id", "type", "no"}

// document is the YAML/JSON layout.
type document struct {
	Groups []groupDoc `json:"groups" yaml:"groups"`
}

type groupDoc struct {
	Name    string      `json:"name" yaml:"name"`
	Admins  []memberDoc `json:"admins" yaml:"admins"`
	Targets []memberDoc `json:"targets" yaml:"targets"`
}

// memberDoc keeps type as text so a missing type defaults to a room.
type memberDoc struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
	No   string `json:"no" yaml:"no"`
}

func (d memberDoc) member(group string) (Member, error) {
	if strings.TrimSpace(d.ID) == "" {
		return Member{}, fmt.Errorf("routecfg: group %s: row %q has no id", group, d.Name)
	}
	kind, err := conv.ParseKind(d.Type)
	if err != nil {
		return Member{}, fmt.Errorf("routecfg: group %s: %w", group, err)
	}
	return Member{ID: strings.TrimSpace(d.ID), Name: strings.TrimSpace(d.Name), Type: kind, No: strings.TrimSpace(d.No)}, nil
}

func loadYAML(path string) ([]*Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("routecfg: %s: %w", path, err)
	}
	return doc.entries()
}

func loadJSON(path string) ([]*Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("routecfg: %s: %w", path, err)
	}
	return doc.entries()
}

func (d document) entries() ([]*Entry, error) {
	out := make([]*Entry, 0, len(d.Groups))
	seen := map[string]*Entry{}
	for i, g := range d.Groups {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return nil, fmt.Errorf("routecfg: group %d has no name", i)
		}
		e, ok := seen[name]
		if !ok {
			e = NewEntry(name)
			seen[name] = e
			out = append(out, e)
		}
		for _, d := range g.Admins {
			m, err := d.member(name)
			if err != nil {
				return nil, err
			}
			e.AddAdmin(m)
		}
		for _, d := range g.Targets {
			m, err := d.member(name)
			if err != nil {
				return nil, err
			}
			e.AddTarget(m)
		}
	}
	return out, nil
}

func loadExcel(path string) ([]*Entry, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("routecfg: open %s: %w", path, err)
	}
	defer f.Close()

	targets, err := readSheet(f, SheetTargets)
	if err != nil {
		return nil, err
	}
	admins, err := readSheet(f, SheetAdmins)
	if err != nil {
		return nil, err
	}

	var out []*Entry
	byGroup := map[string]*Entry{}
	get := func(group string) *Entry {
		e, ok := byGroup[group]
		if !ok {
			e = NewEntry(group)
			byGroup[group] = e
			out = append(out, e)
		}
		return e
	}
	for _, r := range targets {
		get(r.group).AddTarget(r.member)
	}
	for _, r := range admins {
		get(r.group).AddAdmin(r.member)
	}
	return out, nil
}

type sheetRow struct {
	group  string
	member Member
}

func readSheet(f *excelize.File, sheet string) ([]sheetRow, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("routecfg: sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	col := map[string]int{}
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range columns[:3] {
		if _, ok := col[c]; !ok {
			return nil, fmt.Errorf("routecfg: sheet %q: missing column %q", sheet, c)
		}
	}
	cell := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []sheetRow
	for n, row := range rows[1:] {
		group := cell(row, "group_name")
		id := cell(row, "id")
		if group == "" && id == "" {
			continue
		}
		if group == "" || id == "" {
			return nil, fmt.Errorf("routecfg: sheet %q row %d: group_name and id are required", sheet, n+2)
		}
		kind, err := conv.ParseKind(cell(row, "type"))
		if err != nil {
			return nil, fmt.Errorf("routecfg: sheet %q row %d: %w", sheet, n+2, err)
		}
		out = append(out, sheetRow{
			group:  group,
			member: Member{ID: id, Name: cell(row, "name"), Type: kind, No: cell(row, "no")},
		})
	}
	return out, nil
}

// WriteExcel writes entries in the Excel layout. Used to scaffold tables.
func WriteExcel(path string, entries []*Entry) error {
	f := excelize.NewFile()
	defer f.Close()

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	write := func(sheet string, rows func(e *Entry) []Member) error {
		if _, err := f.NewSheet(sheet); err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return err
		}
		line := 2
		for _, e := range entries {
			for _, m := range rows(e) {
				cell, err := excelize.CoordinatesToCellName(1, line)
				if err != nil {
					return err
				}
				row := []any{e.Group, m.Name, m.ID, m.Type.String(), m.No}
				if err := f.SetSheetRow(sheet, cell, &row); err != nil {
					return err
				}
				line++
			}
		}
		return nil
	}
	if err := write(SheetTargets, (*Entry).TargetList); err != nil {
		return err
	}
	if err := write(SheetAdmins, (*Entry).AdminList); err != nil {
		return err
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return err
	}
	return f.SaveAs(path)
}
