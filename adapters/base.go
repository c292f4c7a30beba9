package adapters

import (
	"fmt"
	"strings"

	"grade-vista/internal/types"

	"github.com/PuerkitoBio/goquery"
)

// BaseAdapter provides the HTML helpers shared by the page adapters
type BaseAdapter struct {
	config *types.Config
	logger types.Logger
}

// NewBaseAdapter creates a new base adapter
func NewBaseAdapter(config *types.Config, logger types.Logger) *BaseAdapter {
	return &BaseAdapter{
		config: config,
		logger: logger,
	}
}

// ParseHTML parses HTML content into a goquery document
func (b *BaseAdapter) ParseHTML(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// ExtractText extracts text from an element using a CSS selector
func (b *BaseAdapter) ExtractText(doc *goquery.Document, selector string) (string, error) {
	element := doc.Find(selector)
	if element.Length() == 0 {
		return "", fmt.Errorf("element not found with selector: %s", selector)
	}

	return strings.TrimSpace(element.First().Text()), nil
}

// ExtractAttribute extracts an attribute value from an element
func (b *BaseAdapter) ExtractAttribute(doc *goquery.Document, selector string, attribute string) (string, error) {
	element := doc.Find(selector)
	if element.Length() == 0 {
		return "", fmt.Errorf("element not found with selector: %s", selector)
	}

	value, exists := element.First().Attr(attribute)
	if !exists {
		return "", fmt.Errorf("attribute %s not found on element %s", attribute, selector)
	}

	return value, nil
}

// ExtractFields reads label/value pairs from the rows under table. Rows are read as
// alternating label and value cells, so both "Roll | 123" and
// "Roll | 123 | Name | X" layouts work. Rows with an odd number of cells are
// headers or grade listings and are skipped.
func (b *BaseAdapter) ExtractFields(table *goquery.Selection) []types.Field {
	var fields []types.Field
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td, th")
		if cells.Length() == 0 || cells.Length()%2 != 0 {
			return
		}
		for j := 0; j+1 < cells.Length(); j += 2 {
			label := cleanCell(cells.Eq(j).Text())
			value := cleanCell(cells.Eq(j + 1).Text())
			if label == "" || value == "" {
				continue
			}
			fields = append(fields, types.Field{Label: strings.TrimSuffix(label, ":"), Value: value})
		}
	})
	return fields
}

// cleanCell collapses whitespace inside a table cell
func cleanCell(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Config returns the config field of the BaseAdapter
func (b *BaseAdapter) Config() *types.Config {
	return b.config
}
