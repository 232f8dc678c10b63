package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// tableRows converts a document into cell rows, the shape both
// deterministic parsers work on. Formats without a deterministic reader
// return errUnsupportedFormat and go straight to the model gateway.
func tableRows(body []byte, fileType tariff.FileType) ([][]string, error) {
	switch fileType {
	case tariff.TypeHTML:
		return rowsFromHTML(body)
	case tariff.TypeXLSX:
		return rowsFromXLSX(body)
	case tariff.TypePDF:
		return rowsFromPDF(body)
	case tariff.TypeCSV:
		return rowsFromCSV(body)
	default:
		return nil, errUnsupportedFormat
	}
}

var errUnsupportedFormat = fmt.Errorf("extract: no deterministic reader for format")

func rowsFromHTML(body []byte) ([][]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract html: %w", err)
	}
	var rows [][]string
	doc.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(cell.Text()))
		})
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	})
	return rows, nil
}

// htmlText renders the visible text of a page, for model prompts when
// the page carries no tables.
func htmlText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("extract html: %w", err)
	}
	return strings.TrimSpace(doc.Find("body").Text()), nil
}

func rowsFromXLSX(body []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract xlsx: %w", err)
	}
	defer f.Close()

	var rows [][]string
	for _, sheet := range f.GetSheetList() {
		sheetRows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		rows = append(rows, sheetRows...)
	}
	return rows, nil
}

// rowsFromPDF reads the text layer and treats runs of whitespace as cell
// boundaries. Scanned PDFs have no text layer and yield nothing, which
// pushes the file to the model gateway.
func rowsFromPDF(body []byte) ([][]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("extract pdf: %w", err)
	}
	var text strings.Builder
	for page := 1; page <= reader.NumPage(); page++ {
		p := reader.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		text.WriteString(content)
		text.WriteString("\n")
	}
	return rowsFromText(text.String()), nil
}

func rowsFromCSV(body []byte) ([][]string, error) {
	sep := ','
	if bytes.Count(body, []byte(";")) > bytes.Count(body, []byte(",")) {
		sep = ';'
	}
	r := csv.NewReader(bytes.NewReader(body))
	r.Comma = sep
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("extract csv: %w", err)
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		rows = append(rows, record)
	}
	return rows, nil
}

func rowsFromText(text string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			rows = append(rows, fields)
		}
	}
	return rows
}
