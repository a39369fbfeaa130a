package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	ordered := c.Ordered()
	require.Len(t, ordered, 4)
	assert.Equal(t, TableRFQs, ordered[0].Key)
	assert.Equal(t, TableProducts, ordered[1].Key)
	assert.Equal(t, TableQueries, ordered[2].Key)
	assert.Equal(t, TableShares, ordered[3].Key)

	products, err := c.ByEntity(EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, "rfq_id", products.Owner)
}

func TestParseRejectsChildWithoutOwner(t *testing.T) {
	doc := []byte(`
order: [p]
tables:
  p:
    table_name: products
    entity: product
    columns:
      name: Name
`)
	_, err := Parse(doc)
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestProjectExcludesVolatileColumns(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	rfqs, err := c.Table(TableRFQs)
	require.NoError(t, err)

	row := map[string]any{
		"$rowID":            "rfq_1",
		"Title":             "Valves",
		"Last Updated Date": "2024-01-01",
	}
	p := rfqs.Project(row)
	assert.Equal(t, "Valves", p["title"])
	assert.Equal(t, "rfq_1", p["$id"])
	_, hasVolatile := p["last_updated_date"]
	assert.False(t, hasVolatile)
}

func TestOwnerID(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	rfqs, _ := c.Table(TableRFQs)
	products, _ := c.Table(TableProducts)

	assert.Equal(t, "rfq_1", rfqs.OwnerID(map[string]any{"rowID": "rfq_1"}))
	assert.Equal(t, "rfq_9", products.OwnerID(map[string]any{"rowID": "P1", "RFQ ID": " rfq_9 "}))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "10", Stringify(float64(10)))
	assert.Equal(t, "10.5", Stringify(10.5))
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "a, b", Stringify([]any{"a", " ", "b"}))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "a=1, b=x", Stringify(map[string]any{"b": "x", "a": float64(1)}))
}

func TestToList(t *testing.T) {
	assert.Equal(t, []string{"u1", "u2"}, ToList("u1, u2"))
	assert.Equal(t, []string{"u1", "u2", "u3"}, ToList([]any{"u1", []any{"u2", "u3"}}))
	assert.Equal(t, []string{"x", "y"}, ToList(map[string]any{"b": "y", "a": "x"}))
	assert.Nil(t, ToList(""))
}
