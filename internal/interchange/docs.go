package interchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Documentation files written next to the datasets.
const (
	SchemaManifest = "schema.json"
	ReadmeMarkdown = "README.md"
	ReadmeHTML     = "README.html"
)

// ColumnDoc describes one dataset column.
type ColumnDoc struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Units string `json:"units,omitempty"`
}

// DatasetDoc describes one dataset file.
type DatasetDoc struct {
	File        string      `json:"file"`
	Description string      `json:"description"`
	Columns     []ColumnDoc `json:"columns"`
}

// Manifest is the machine readable schema of an interchange directory.
type Manifest struct {
	Version     int          `json:"version"`
	GeneratedAt time.Time    `json:"generated_at"`
	Datasets    []DatasetDoc `json:"datasets"`
}

func describe[T any](file, desc string, units map[string]string) DatasetDoc {
	doc := DatasetDoc{File: file, Description: desc}
	for _, f := range parquet.SchemaOf(new(T)).Fields() {
		doc.Columns = append(doc.Columns, ColumnDoc{Name: f.Name(), Type: f.Type().String(), Units: units[f.Name()]})
	}
	return doc
}

var catalog = []DatasetDoc{
	describe[WatRow](HillslopeWat, "Daily hillslope water balance per OFE", watUnits),
	describe[LossRow](HillslopeLoss, "Yearly hillslope erosion summary", lossUnits),
	describe[SoilRow](HillslopeSoil, "Daily hillslope soil state per OFE", soilUnits),
	describe[PassRow](PassPw0, "Hillslope contributions routed to channels", passUnits),
	describe[ChanPeakRow](ChanOut, "Channel peak discharge per event", chanUnits),
	describe[ChanWBRow](ChanWB, "Daily channel water balance", chanWBUnits),
	describe[ChnWBRow](ChnWB, "Daily channel OFE water balance", chnWBUnits),
	describe[EbeRow](EbePw0, "Watershed outlet events", ebeUnits),
	describe[SoilRow](SoilPw0, "Daily channel soil state", soilUnits),
	describe[LossPw0Row](LossPw0, "Yearly watershed sediment summary", lossPw0Units),
	describe[TotalWatSedRow](TotalWatSed3, "Daily watershed water and sediment budget with baseflow", totalWatSedUnits),
}

// WriteDocs writes schema.json, README.md and README.html covering the
// datasets present in dir.
func WriteDocs(dir string, version int, present []string, now time.Time) error {
	have := make(map[string]bool, len(present))
	for _, p := range present {
		have[p] = true
	}
	m := Manifest{Version: version, GeneratedAt: now.UTC()}
	for _, d := range catalog {
		if have[d.File] {
			m.Datasets = append(m.Datasets, d)
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, SchemaManifest), data, 0644); err != nil {
		return err
	}

	md := renderMarkdown(m)
	if err := os.WriteFile(filepath.Join(dir, ReadmeMarkdown), md, 0644); err != nil {
		return err
	}
	var html bytes.Buffer
	renderer := goldmark.New(goldmark.WithExtensions(extension.Table))
	if err := renderer.Convert(md, &html); err != nil {
		return fmt.Errorf("failed to render interchange README: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ReadmeHTML), html.Bytes(), 0644)
}

func renderMarkdown(m Manifest) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# WEPP interchange (version %d)\n\n", m.Version)
	fmt.Fprintf(&b, "Generated %s.\n", m.GeneratedAt.Format(time.RFC3339))
	for _, d := range m.Datasets {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n\n", d.File, d.Description)
		b.WriteString("| Column | Type | Units |\n|---|---|---|\n")
		for _, c := range d.Columns {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", c.Name, c.Type, c.Units)
		}
	}
	return b.Bytes()
}
