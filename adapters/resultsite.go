package adapters

import (
	"fmt"
	"strings"

	"grade-vista/internal/types"

	"github.com/PuerkitoBio/goquery"
)

// Controls of the public results form. Any rename on the site breaks retrieval;
// cmd/inspect reports which of these are still present.
const (
	SelectExam     = "select[name='exam']"
	SelectYear     = "select[name='year']"
	SelectBoard    = "select[name='board']"
	InputRoll      = "input[name='roll']"
	InputReg       = "input[name='reg']"
	InputAnswer    = "input[name='value_s']"
	SubmitButton   = "input[name='button2']"
	ChallengeXPath = `//td[contains(text(),"+")]`

	DefaultResultSelector = "tbody"
)

// RequiredControls lists every form control the retrieval job touches, in fill order
var RequiredControls = []string{SelectExam, SelectYear, SelectBoard, InputRoll, InputReg, InputAnswer, SubmitButton}

// ResultSiteAdapter understands the pages of the education board results website
type ResultSiteAdapter struct {
	*BaseAdapter
	resultSelector string
}

// NewResultSiteAdapter creates a new results website adapter
func NewResultSiteAdapter(config *types.Config, logger types.Logger) *ResultSiteAdapter {
	return &ResultSiteAdapter{
		BaseAdapter:    NewBaseAdapter(config, logger),
		resultSelector: DefaultResultSelector,
	}
}

// ResultSelector returns the CSS selector of the rendered result table
func (r *ResultSiteAdapter) ResultSelector() string {
	return r.resultSelector
}

// ParseResultSheet reads the label/value rows of the result table
func (r *ResultSiteAdapter) ParseResultSheet(html string) (*types.ResultSheet, error) {
	doc, err := r.ParseHTML(html)
	if err != nil {
		return nil, fmt.Errorf("failed to parse result page: %w", err)
	}

	// nested tables would otherwise contribute their rows twice
	tables := doc.Find(r.resultSelector).FilterFunction(func(i int, s *goquery.Selection) bool {
		return s.ParentsFiltered(r.resultSelector).Length() == 0
	})
	if tables.Length() == 0 {
		return nil, fmt.Errorf("result table not found with selector: %s", r.resultSelector)
	}

	sheet := &types.ResultSheet{}
	tables.Each(func(i int, table *goquery.Selection) {
		sheet.Fields = append(sheet.Fields, r.ExtractFields(table)...)
	})
	if len(sheet.Fields) == 0 {
		return nil, fmt.Errorf("no result fields found")
	}

	r.logger.Debugf("Parsed %d result fields", len(sheet.Fields))
	return sheet, nil
}

// IsFormPage reports whether html still carries the submit control
func (r *ResultSiteAdapter) IsFormPage(html string) bool {
	doc, err := r.ParseHTML(html)
	if err != nil {
		return false
	}
	return doc.Find(SubmitButton).Length() > 0
}

// FormReport describes how much of the expected form a page exposes
type FormReport struct {
	Title     string              `json:"title,omitempty"`
	Action    string              `json:"action,omitempty"`
	Controls  map[string]bool     `json:"controls"`
	Options   map[string][]string `json:"options"`
	Challenge string              `json:"challenge,omitempty"`
	Missing   []string            `json:"missing,omitempty"`
}

// InspectForm checks a results page against the controls the retrieval job needs
func (r *ResultSiteAdapter) InspectForm(html string) (*FormReport, error) {
	doc, err := r.ParseHTML(html)
	if err != nil {
		return nil, fmt.Errorf("failed to parse form page: %w", err)
	}

	report := &FormReport{
		Controls: make(map[string]bool),
		Options:  make(map[string][]string),
	}
	for _, selector := range RequiredControls {
		found := doc.Find(selector).Length() > 0
		report.Controls[selector] = found
		if !found {
			report.Missing = append(report.Missing, selector)
		}
	}
	for _, selector := range []string{SelectExam, SelectYear, SelectBoard} {
		doc.Find(selector).First().Find("option").Each(func(i int, opt *goquery.Selection) {
			if value, ok := opt.Attr("value"); ok && value != "" {
				report.Options[selector] = append(report.Options[selector], value)
			}
		})
	}
	if title, err := r.ExtractText(doc, "title"); err == nil {
		report.Title = title
	}
	if action, err := r.ExtractAttribute(doc, "form", "action"); err == nil {
		report.Action = action
	}
	report.Challenge = r.challengeText(doc)
	if report.Challenge == "" {
		report.Missing = append(report.Missing, ChallengeXPath)
	}

	return report, nil
}

// challengeText mirrors ChallengeXPath: the first td whose own text contains "+"
func (r *ResultSiteAdapter) challengeText(doc *goquery.Document) string {
	var text string
	doc.Find("td").EachWithBreak(func(i int, td *goquery.Selection) bool {
		td.Contents().Each(func(j int, node *goquery.Selection) {
			if text == "" && goquery.NodeName(node) == "#text" && strings.Contains(node.Text(), "+") {
				text = strings.TrimSpace(td.Text())
			}
		})
		return text == ""
	})
	return text
}
