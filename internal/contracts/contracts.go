// Package contracts maps logical entity fields onto the column ids of the
// external source tables.
package contracts

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed glide_tables.yaml
var defaultContracts []byte

// Entity kinds a table can hold
const (
	EntityRFQ     = "rfq"
	EntityProduct = "product"
	EntityQuery   = "query"
	EntityShare   = "share"
)

// Table keys in ingestion order
const (
	TableRFQs     = "all_rfq"
	TableProducts = "all_products"
	TableQueries  = "queries"
	TableShares   = "supplier_shares"
)

var (
	ErrUnknownTable  = errors.New("unknown table")
	ErrInvalidSchema = errors.New("invalid table contract")
)

// Table is the contract of one source table
type Table struct {
	Key       string            `yaml:"-"`
	TableName string            `yaml:"table_name"`
	Entity    string            `yaml:"entity"`
	Owner     string            `yaml:"owner"` // logical column holding the parent RFQ id
	Columns   map[string]string `yaml:"columns"`
	Volatile  []string          `yaml:"volatile"`
}

// Contracts is the full set of table contracts
type Contracts struct {
	Order  []string         `yaml:"order"`
	Tables map[string]Table `yaml:"tables"`
}

// Load reads contracts from path, or the embedded defaults when path is empty
func Load(path string) (*Contracts, error) {
	data := defaultContracts
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read contracts: %w", err)
		}
		data = b
	}
	return Parse(data)
}

// Parse decodes and validates a contracts document
func Parse(data []byte) (*Contracts, error) {
	var c Contracts
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if len(c.Order) == 0 {
		c.Order = []string{TableRFQs, TableProducts, TableQueries, TableShares}
	}
	for key, t := range c.Tables {
		t.Key = key
		c.Tables[key] = t
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Contracts) validate() error {
	for _, key := range c.Order {
		t, ok := c.Tables[key]
		if !ok {
			return fmt.Errorf("%w: order names missing table %q", ErrInvalidSchema, key)
		}
		if t.TableName == "" {
			return fmt.Errorf("%w: %s has no table_name", ErrInvalidSchema, key)
		}
		switch t.Entity {
		case EntityRFQ:
		case EntityProduct, EntityQuery, EntityShare:
			if t.Owner == "" || t.Columns[t.Owner] == "" {
				return fmt.Errorf("%w: %s needs an owner column", ErrInvalidSchema, key)
			}
		default:
			return fmt.Errorf("%w: %s has unknown entity %q", ErrInvalidSchema, key, t.Entity)
		}
	}
	return nil
}

// Ordered returns the tables in ingestion order
func (c *Contracts) Ordered() []Table {
	out := make([]Table, 0, len(c.Order))
	for _, key := range c.Order {
		out = append(out, c.Tables[key])
	}
	return out
}

// Table returns the contract for key
func (c *Contracts) Table(key string) (Table, error) {
	t, ok := c.Tables[key]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s", ErrUnknownTable, key)
	}
	return t, nil
}

// ByEntity returns the first table holding the given entity kind
func (c *Contracts) ByEntity(entity string) (Table, error) {
	for _, key := range c.Order {
		if t := c.Tables[key]; t.Entity == entity {
			return t, nil
		}
	}
	return Table{}, fmt.Errorf("%w: no table for entity %s", ErrUnknownTable, entity)
}

// Get returns the raw value of a logical column
func (t Table) Get(row map[string]any, logical string) any {
	col, ok := t.Columns[logical]
	if !ok {
		return nil
	}
	return row[col]
}

// String returns the rendered value of a logical column, empty when absent
func (t Table) String(row map[string]any, logical string) string {
	return Stringify(t.Get(row, logical))
}

// List returns a logical column as a list of non-empty strings
func (t Table) List(row map[string]any, logical string) []string {
	return ToList(t.Get(row, logical))
}

// OwnerID returns the id of the RFQ owning the row
func (t Table) OwnerID(row map[string]any) string {
	if t.Entity == EntityRFQ {
		return RowID(row)
	}
	return t.String(row, t.Owner)
}

// Project returns the content projection of a row: every mapped logical
// column except the volatile ones, keyed by logical name.
func (t Table) Project(row map[string]any) map[string]any {
	skip := make(map[string]bool, len(t.Volatile))
	for _, v := range t.Volatile {
		skip[v] = true
	}
	out := make(map[string]any, len(t.Columns)+1)
	out["$id"] = RowID(row)
	for logical, col := range t.Columns {
		if skip[logical] {
			continue
		}
		out[logical] = row[col]
	}
	return out
}

// RowID extracts the source row id
func RowID(row map[string]any) string {
	for _, k := range []string{"$rowID", "rowID", "RowID", "id"} {
		if s := Stringify(row[k]); s != "" {
			return s
		}
	}
	return ""
}

// Stringify renders a source value deterministically
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			if s := Stringify(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(x, ", ")
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+Stringify(x[k]))
		}
		return strings.Join(parts, ", ")
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// ToList flattens a source value into non-empty strings. Comma separated
// strings are split; maps contribute their values in key order.
func ToList(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		if !strings.Contains(s, ",") {
			return []string{s}
		}
		var out []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []any:
		var out []string
		for _, e := range x {
			out = append(out, ToList(e)...)
		}
		return out
	case []string:
		var out []string
		for _, e := range x {
			out = append(out, ToList(e)...)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, ToList(x[k])...)
		}
		return out
	default:
		if s := Stringify(x); s != "" {
			return []string{s}
		}
		return nil
	}
}
