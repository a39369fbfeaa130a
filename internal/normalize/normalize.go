// Package normalize renders stored entity rows as canonical text documents.
//
// Rendering is pure: the same bundle always produces the same documents, in
// the same order, with the same text. Every document is a sequence of
// `KEY: value` lines in a fixed field order; absent values render as
// "unknown".
package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/pkg/types"
)

// Unknown is rendered for missing values
const Unknown = "unknown"

// field maps an output key to a logical contract column
type field struct {
	key     string
	logical string
}

var (
	rfqFields = []field{
		{"TITLE", "title"},
		{"CUSTOMER", "customer_name"},
		{"INDUSTRY", "industry"},
		{"GEOGRAPHY", "geography"},
		{"STANDARD", "standard"},
		{"DEADLINE", "deadline"},
		{"CURRENT_STATUS", "current_status"},
		{"COLOR_QUERIES", "color_queries"},
		{"LAST_STATUS_COMMENTS", "last_status_comments"},
		{"QUOTATION_FOLDER_LINK", "quotation_folder_link"},
	}
	productFields = []field{
		{"NAME", "name"},
		{"QTY", "qty"},
		{"TARGET_PRICE", "target_price"},
		{"DETAILS", "details"},
		{"DWG_LINK", "dwg_link"},
		{"REP_URL", "rep_url"},
	}
	queryFields = []field{
		{"THREAD_ID", "thread_id"},
		{"USER", "user"},
		{"QUERY_TYPE", "query_type"},
		{"STATUS", "status"},
		{"TIME_ADDED", "time_added"},
		{"PRODUCTS_SELECTED", "products_selected"},
		{"COMMENT", "comment"},
	}
)

// Normalizer builds documents from entity bundles
type Normalizer struct {
	rfqs     contracts.Table
	products contracts.Table
	queries  contracts.Table
}

// New creates a normalizer over the given contracts
func New(c *contracts.Contracts) (*Normalizer, error) {
	rfqs, err := c.ByEntity(contracts.EntityRFQ)
	if err != nil {
		return nil, err
	}
	products, err := c.ByEntity(contracts.EntityProduct)
	if err != nil {
		return nil, err
	}
	queries, err := c.ByEntity(contracts.EntityQuery)
	if err != nil {
		return nil, err
	}
	return &Normalizer{rfqs: rfqs, products: products, queries: queries}, nil
}

// Documents renders the RFQ brief, one product card per product and one
// thread message per query. Supplier shares carry no indexed text.
func (n *Normalizer) Documents(bundle *storage.EntityBundle) ([]types.Document, error) {
	if bundle == nil || bundle.RFQ == nil {
		return nil, fmt.Errorf("bundle has no rfq")
	}
	rfqID := bundle.RFQ.ID

	row, err := bundle.RFQ.Row()
	if err != nil {
		return nil, err
	}
	title := n.rfqs.String(row, "title")
	if title == "" {
		title = "RFQ " + rfqID
	}
	docs := []types.Document{types.RFQBrief{
		RFQID: rfqID,
		Title: title,
		Text:  render([]string{"RFQ_ID", rfqID}, n.rfqs, rfqFields, row),
	}}

	for _, p := range bundle.Products {
		row, err := p.Row()
		if err != nil {
			return nil, err
		}
		title := n.products.String(row, "name")
		if title == "" {
			title = "Product " + p.ID
		}
		docs = append(docs, types.ProductCard{
			RFQID:     rfqID,
			ProductID: p.ID,
			Title:     title,
			Text:      render([]string{"RFQ_ID", rfqID, "PRODUCT_ID", p.ID}, n.products, productFields, row),
		})
	}

	for _, q := range bundle.Queries {
		row, err := q.Row()
		if err != nil {
			return nil, err
		}
		docs = append(docs, types.ThreadMessage{
			RFQID:   rfqID,
			QueryID: q.ID,
			Title:   "Query " + q.ID,
			Text:    render([]string{"RFQ_ID", rfqID, "QUERY_ID", q.ID}, n.queries, queryFields, row),
		})
	}

	Sort(docs)
	return docs, nil
}

// render writes the fixed leading id pairs followed by the table fields
func render(ids []string, table contracts.Table, fields []field, row map[string]any) string {
	var b strings.Builder
	for i := 0; i+1 < len(ids); i += 2 {
		line(&b, ids[i], ids[i+1])
	}
	for _, f := range fields {
		line(&b, f.key, table.String(row, f.logical))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func line(b *strings.Builder, key, value string) {
	if value == "" {
		value = Unknown
	}
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
}

// Sort orders documents: RFQ brief, products by id, queries by id, then
// file documents by provider id and page.
func Sort(docs []types.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if ra, rb := rank(a.Kind()), rank(b.Kind()); ra != rb {
			return ra < rb
		}
		switch x := a.(type) {
		case types.ProductCard:
			return x.ProductID < b.(types.ProductCard).ProductID
		case types.ThreadMessage:
			return x.QueryID < b.(types.ThreadMessage).QueryID
		case types.FileText:
			y := b.(types.FileText)
			if x.ProviderID != y.ProviderID {
				return x.ProviderID < y.ProviderID
			}
			if x.Page != y.Page {
				return x.Page < y.Page
			}
			return x.FileID < y.FileID
		default:
			return false
		}
	})
}

func rank(d types.DocType) int {
	switch d {
	case types.DocRFQBrief:
		return 0
	case types.DocProductCard:
		return 1
	case types.DocThreadMessage:
		return 2
	case types.DocFileChunk:
		return 3
	default:
		return 4
	}
}

// FileDocument wraps extracted text of one page of a file
func FileDocument(file *storage.File, page int, text string) types.FileText {
	return types.FileText{
		RFQID:      file.RFQID,
		ProductID:  file.ProductID,
		QueryID:    file.QueryID,
		FileID:     file.ID,
		ProviderID: file.ProviderID,
		Path:       filePath(file),
		Page:       page,
		Text:       strings.TrimSpace(text),
	}
}

func filePath(file *storage.File) string {
	if file.Path != "" {
		return file.Path
	}
	return file.Name
}
