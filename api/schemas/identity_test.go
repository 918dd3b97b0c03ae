package schemas_test

import (
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxshade/evold/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func TestContentHashDeterministic(t *testing.T) {
	t.Parallel()

	gene := schemas.Gene{
		ID:           "gene_abc",
		Category:     schemas.CategoryRepair,
		SignalsMatch: []string{"panic", "stack trace"},
		Constraints:  schemas.GeneConstraints{MaxFiles: 3},
	}

	first, err := schemas.ContentHash(gene)
	require.NoError(t, err)
	second, err := schemas.ContentHash(gene)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, "sha256:")
}

func TestContentHashKeyOrderInsensitive(t *testing.T) {
	t.Parallel()

	// Same document, keys serialized in different orders.
	docA := []byte(`{"category":"repair","signals_match":["panic"],"constraints":{"max_files":3,"forbidden_paths":[".git/"]}}`)
	docB := []byte(`{"constraints":{"forbidden_paths":[".git/"],"max_files":3},"signals_match":["panic"],"category":"repair"}`)

	var a, b any
	require.NoError(t, json.Unmarshal(docA, &a))
	require.NoError(t, json.Unmarshal(docB, &b))

	hashA, err := schemas.ContentHash(a)
	require.NoError(t, err)
	hashB, err := schemas.ContentHash(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
}

func TestContentHashIgnoresVolatileFields(t *testing.T) {
	t.Parallel()

	base := schemas.Gene{
		Category:     schemas.CategoryOptimize,
		SignalsMatch: []string{"slow test suite"},
	}
	stamped := base
	stamped.ID = "gene_ffffffffffffffff"
	stamped.SchemaVersion = schemas.SchemaVersion
	stamped.Source = "external_candidate"

	baseHash, err := schemas.ContentHash(base)
	require.NoError(t, err)
	stampedHash, err := schemas.ContentHash(stamped)
	require.NoError(t, err)

	assert.Equal(t, baseHash, stampedHash, "identity and receipt fields must not change the hash")

	changed := base
	changed.SignalsMatch = []string{"slow test suite", "timeout"}
	changedHash, err := schemas.ContentHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, baseHash, changedHash, "content changes must change the hash")
}

func TestAssetIDShape(t *testing.T) {
	t.Parallel()

	id, err := schemas.AssetID(schemas.KindCapsule, schemas.Capsule{
		Trigger: []string{"flaky test"},
		GeneID:  "gene_abc",
	})
	require.NoError(t, err)

	assert.Regexp(t, `^capsule_[0-9a-f]{16}$`, id)
}

func TestAutoGeneIDStable(t *testing.T) {
	t.Parallel()

	a := schemas.AutoGeneID([]string{"build failed", "missing import", "build failed"})
	b := schemas.AutoGeneID([]string{"missing import", "build failed"})
	c := schemas.AutoGeneID([]string{"missing import"})

	assert.Equal(t, a, b, "order and duplicates must not matter")
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^gene_auto_[0-9a-f]{12}$`, a)
}

func TestCanonicalJSONSortsNestedKeys(t *testing.T) {
	t.Parallel()

	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{"z":{"b":2,"a":1},"a":[{"y":1,"x":2}]}`), &doc))

	out, err := schemas.CanonicalJSON(doc)
	require.NoError(t, err)

	assert.Equal(t, `{"a":[{"x":2,"y":1}],"z":{"a":1,"b":2}}`, string(out))
}
