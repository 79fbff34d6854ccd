// Package catalog ingests exchange-published instrument listings into the
// record store. Both mainland exchanges publish their listing tables as
// XLSX downloads; fetching those files is left to external tooling, this
// package only parses and reconciles them.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/linqiu/stockseer/backend/internal/store"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

// Transliterator derives the latin search key shown in the stock list
// from an instrument's display name. Proper pinyin initials need a
// dictionary-backed implementation; the default keeps any latin
// characters already present in the name.
type Transliterator interface {
	SearchKey(name string) string
}

// ASCIIInitials is the fallback Transliterator. It uppercases latin
// letters and digits found in the name and drops everything else.
type ASCIIInitials struct{}

func (ASCIIInitials) SearchKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Exchange identifies the source exchange of a listing file. The value
// doubles as the instrument id prefix in the quant data source.
type Exchange string

const (
	Shanghai Exchange = "SH"
	Shenzhen Exchange = "SZ"
)

// Column headers as published by each exchange.
var listingColumns = map[Exchange]struct{ id, name, listingDate string }{
	Shanghai: {id: "A股代码", name: "证券简称", listingDate: "上市日期"},
	Shenzhen: {id: "A股代码", name: "A股简称", listingDate: "A股上市日期"},
}

// Listing is one parsed row of an exchange listing file.
type Listing struct {
	ID          string
	Name        string
	ListingDate string
	Exchange    Exchange
}

// Loader imports exchange listing files into the record store.
type Loader struct {
	store    store.Store
	translit Transliterator
	logger   *logger.Logger
}

// NewLoader creates a catalog loader. A nil Transliterator falls back to
// ASCIIInitials.
func NewLoader(s store.Store, translit Transliterator, log *logger.Logger) *Loader {
	if translit == nil {
		translit = ASCIIInitials{}
	}
	return &Loader{
		store:    s,
		translit: translit,
		logger:   log.WithField("module", "catalog"),
	}
}

// Import parses the Shanghai and Shenzhen listing files, upserts every
// listed instrument and marks instruments absent from both files as
// delisted. Either path may be empty to import a single exchange.
func (l *Loader) Import(ctx context.Context, shPath, szPath string) error {
	var listings []Listing
	for _, src := range []struct {
		path     string
		exchange Exchange
	}{
		{shPath, Shanghai},
		{szPath, Shenzhen},
	} {
		if src.path == "" {
			continue
		}
		parsed, err := ParseListingFile(src.path, src.exchange)
		if err != nil {
			return fmt.Errorf("parse %s listing: %w", src.exchange, err)
		}
		l.logger.WithFields(map[string]interface{}{
			"exchange": src.exchange,
			"count":    len(parsed),
		}).Info("Parsed listing file")
		listings = append(listings, parsed...)
	}

	listed := make(map[string]bool, len(listings))
	for _, listing := range listings {
		listed[listing.ID] = true

		stock := &store.Stock{
			ID:          listing.ID,
			Pinyin:      l.translit.SearchKey(listing.Name),
			Name:        listing.Name,
			QlibID:      string(listing.Exchange) + listing.ID,
			ListingDate: listing.ListingDate,
		}
		if err := l.store.Upsert(ctx, stock); err != nil {
			return fmt.Errorf("upsert %s: %w", listing.ID, err)
		}
	}

	return l.markAbsentDelisted(ctx, listed)
}

// markAbsentDelisted flags every stored instrument that no longer appears
// in the exchange listings.
func (l *Loader) markAbsentDelisted(ctx context.Context, listed map[string]bool) error {
	stocks, err := l.store.All(ctx)
	if err != nil {
		return err
	}

	today := time.Now().Format("2006-01-02")
	for _, stock := range stocks {
		if listed[stock.ID] || stock.Delisted {
			continue
		}
		l.logger.WithFields(map[string]interface{}{"id": stock.ID}).Info("Marking instrument delisted")
		update := &store.Stock{
			ID:           stock.ID,
			Delisted:     true,
			DelistedDate: today,
		}
		if err := l.store.Upsert(ctx, update); err != nil {
			return fmt.Errorf("delist %s: %w", stock.ID, err)
		}
	}

	l.store.InvalidateCache()
	return nil
}

// ParseListingFile reads one exchange listing XLSX and returns its rows.
func ParseListingFile(path string, exchange Exchange) ([]Listing, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open listing file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("listing file has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("listing sheet %s has no data rows", sheets[0])
	}

	columns := listingColumns[exchange]
	idCol, nameCol, dateCol := -1, -1, -1
	for i, header := range rows[0] {
		switch strings.TrimSpace(header) {
		case columns.id:
			idCol = i
		case columns.name:
			nameCol = i
		case columns.listingDate:
			dateCol = i
		}
	}
	if idCol == -1 || nameCol == -1 || dateCol == -1 {
		return nil, fmt.Errorf("listing sheet %s is missing expected columns", sheets[0])
	}

	var listings []Listing
	for _, row := range rows[1:] {
		id := cell(row, idCol)
		if id == "" {
			continue
		}
		listings = append(listings, Listing{
			ID: id,
			// Exchanges pad names with spaces for alignment.
			Name:        strings.ReplaceAll(cell(row, nameCol), " ", ""),
			ListingDate: normalizeListingDate(cell(row, dateCol)),
			Exchange:    exchange,
		})
	}
	return listings, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// normalizeListingDate converts the Shanghai exchange's compact 20060102
// form to 2006-01-02. Dates already dashed pass through.
func normalizeListingDate(raw string) string {
	if len(raw) == 8 {
		if t, err := time.Parse("20060102", raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return raw
}
