// Package report renders the static HTML price report.
//
// The template and stylesheet are embedded so the binary is
// self-contained; Render writes both next to each other, which keeps
// the output directory servable as-is.
package report

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hazyhaar/tarif/history"
)

//go:embed report.html
var reportHTML string

//go:embed styles.css
var stylesCSS []byte

var reportTmpl = template.Must(template.New("report").Parse(reportHTML))

const timeLayout = "2006-01-02 15:04"

// ModelView is the template-friendly projection of one model's latest price.
type ModelView struct {
	Model      string
	Title      string
	SKU        string
	Price      string
	Delta      string // "+10.00", "-5.00" or "" without a previous reading
	DeltaClass string // "up", "down" or "flat"
	Timestamp  string
	ProductURL string
}

// HistoryRow is one past reading of a model.
type HistoryRow struct {
	Timestamp string
	Price     string
}

// ModelHistory is the full reading list of one model, oldest first.
type ModelHistory struct {
	Model string
	Rows  []HistoryRow
}

// Context feeds the report template.
type Context struct {
	Latest      []ModelView
	ByModel     []ModelHistory
	LastUpdated string
}

// BuildContext projects snapshots into the template view. Models are
// listed alphabetically and readings sorted by timestamp, so the same
// history always renders the same page.
func BuildContext(snaps []history.Snapshot) Context {
	groups := make(map[string][]history.Snapshot)
	for _, s := range snaps {
		model := s.Model
		if model == "" {
			model = "unknown"
		}
		groups[model] = append(groups[model], s)
	}

	models := make([]string, 0, len(groups))
	for model := range groups {
		items := groups[model]
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Timestamp.Before(items[j].Timestamp)
		})
		models = append(models, model)
	}
	sort.Strings(models)

	var ctx Context
	var last time.Time
	for _, model := range models {
		items := groups[model]
		cur := items[len(items)-1]

		view := ModelView{
			Model:      model,
			Title:      cur.Title,
			SKU:        cur.SKU,
			Price:      formatPrice(cur.Price, cur.Currency),
			Timestamp:  cur.Timestamp.UTC().Format(timeLayout),
			ProductURL: cur.ProductURL,
		}
		if len(items) > 1 {
			prev := items[len(items)-2]
			delta := math.Round((cur.Price-prev.Price)*100) / 100
			view.Delta = fmt.Sprintf("%+.2f", delta)
			switch {
			case delta > 0:
				view.DeltaClass = "up"
			case delta < 0:
				view.DeltaClass = "down"
			default:
				view.DeltaClass = "flat"
			}
		}
		ctx.Latest = append(ctx.Latest, view)

		hist := ModelHistory{Model: model}
		for _, s := range items {
			hist.Rows = append(hist.Rows, HistoryRow{
				Timestamp: s.Timestamp.UTC().Format(timeLayout),
				Price:     formatPrice(s.Price, s.Currency),
			})
			if s.Timestamp.After(last) {
				last = s.Timestamp
			}
		}
		ctx.ByModel = append(ctx.ByModel, hist)
	}
	if !last.IsZero() {
		ctx.LastUpdated = last.UTC().Format(timeLayout + " UTC")
	}
	return ctx
}

// Render writes index.html and styles.css under outDir.
func Render(snaps []history.Snapshot, outDir string) error {
	ctx := BuildContext(snaps)

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, ctx); err != nil {
		return fmt.Errorf("report: render: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("report: mkdir %s: %w", outDir, err)
	}
	if err := writeAtomic(filepath.Join(outDir, "index.html"), buf.Bytes()); err != nil {
		return fmt.Errorf("report: write index.html: %w", err)
	}
	if err := writeAtomic(filepath.Join(outDir, "styles.css"), stylesCSS); err != nil {
		return fmt.Errorf("report: write styles.css: %w", err)
	}
	return nil
}

func formatPrice(price float64, currency string) string {
	if currency == "EUR" {
		return fmt.Sprintf("%.2f €", price)
	}
	return fmt.Sprintf("%.2f %s", price, currency)
}

// writeAtomic writes via a temp file so a crash never leaves a
// half-written page behind.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
