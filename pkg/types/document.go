package types

import (
	"errors"
	"fmt"
)

// DocType identifies one of the four canonical document kinds
type DocType string

const (
	DocRFQBrief      DocType = "RFQ_BRIEF"
	DocProductCard   DocType = "PRODUCT_CARD"
	DocThreadMessage DocType = "THREAD_MESSAGE"
	DocFileChunk     DocType = "FILE_CHUNK"
)

// ErrInvalidDocType is returned when a string does not name a known document kind
var ErrInvalidDocType = errors.New("invalid document type")

// AllDocTypes returns every document kind in a fixed order
func AllDocTypes() []DocType {
	return []DocType{DocRFQBrief, DocProductCard, DocThreadMessage, DocFileChunk}
}

// Valid reports whether d is one of the known document kinds
func (d DocType) Valid() bool {
	switch d {
	case DocRFQBrief, DocProductCard, DocThreadMessage, DocFileChunk:
		return true
	default:
		return false
	}
}

// ParseDocType converts a stored string back into a DocType
func ParseDocType(s string) (DocType, error) {
	d := DocType(s)
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocType, s)
	}
	return d, nil
}

// Lineage carries the ownership of a document and of every chunk cut from it
type Lineage struct {
	RFQID     string
	ProductID string // empty when not owned by a product
	QueryID   string // empty when not owned by a query
	FileID    int64  // 0 when not file-derived
	Page      int    // 0 when unknown
	Title     string
}

// Document is a canonical text document. The set of implementations is closed.
type Document interface {
	Kind() DocType
	Body() string
	Lineage() Lineage
	isDocument()
}

// RFQBrief is the summary document of one RFQ
type RFQBrief struct {
	RFQID string
	Title string
	Text  string
}

func (RFQBrief) Kind() DocType  { return DocRFQBrief }
func (d RFQBrief) Body() string { return d.Text }
func (d RFQBrief) Lineage() Lineage {
	return Lineage{RFQID: d.RFQID, Title: d.Title}
}
func (RFQBrief) isDocument() {}

// ProductCard describes one product line of an RFQ
type ProductCard struct {
	RFQID     string
	ProductID string
	Title     string
	Text      string
}

func (ProductCard) Kind() DocType  { return DocProductCard }
func (d ProductCard) Body() string { return d.Text }
func (d ProductCard) Lineage() Lineage {
	return Lineage{RFQID: d.RFQID, ProductID: d.ProductID, Title: d.Title}
}
func (ProductCard) isDocument() {}

// ThreadMessage is one query/message in an RFQ thread
type ThreadMessage struct {
	RFQID   string
	QueryID string
	Title   string
	Text    string
}

func (ThreadMessage) Kind() DocType  { return DocThreadMessage }
func (d ThreadMessage) Body() string { return d.Text }
func (d ThreadMessage) Lineage() Lineage {
	return Lineage{RFQID: d.RFQID, QueryID: d.QueryID, Title: d.Title}
}
func (ThreadMessage) isDocument() {}

// FileText is text extracted from one page (or the whole) of a linked file
type FileText struct {
	RFQID      string
	ProductID  string
	QueryID    string
	FileID     int64
	ProviderID string
	Path       string
	Page       int
	Text       string
}

func (FileText) Kind() DocType  { return DocFileChunk }
func (d FileText) Body() string { return d.Text }
func (d FileText) Lineage() Lineage {
	return Lineage{
		RFQID:     d.RFQID,
		ProductID: d.ProductID,
		QueryID:   d.QueryID,
		FileID:    d.FileID,
		Page:      d.Page,
		Title:     d.Path,
	}
}
func (FileText) isDocument() {}
