package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// maxCSVRows bounds the rows rendered from one CSV file
const maxCSVRows = 5000

// TextExtractor returns the file as one fragment of UTF-8 text
type TextExtractor struct{}

func (TextExtractor) Extract(_ context.Context, data []byte, _ string) ([]Fragment, error) {
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	return []Fragment{{Text: text}}, nil
}

// CSVExtractor renders rows as "a | b | c" lines
type CSVExtractor struct{}

func (CSVExtractor) Extract(_ context.Context, data []byte, _ string) ([]Fragment, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var b strings.Builder
	for rows := 0; rows < maxCSVRows; rows++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		cells := make([]string, 0, len(rec))
		for _, c := range rec {
			cells = append(cells, strings.TrimSpace(c))
		}
		line := strings.Join(cells, " | ")
		if strings.Trim(line, " |") == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []Fragment{{Text: strings.TrimSpace(b.String())}}, nil
}

// JSONExtractor re-indents a JSON document so keys land on their own lines
type JSONExtractor struct{}

func (JSONExtractor) Extract(_ context.Context, data []byte, _ string) ([]Fragment, error) {
	var out bytes.Buffer
	if err := json.Indent(&out, bytes.TrimSpace(data), "", "  "); err != nil {
		return nil, err
	}
	return []Fragment{{Text: out.String()}}, nil
}
