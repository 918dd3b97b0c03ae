package schemas

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// canonical marshals with lexically sorted map keys, which makes the hash
// below independent of field ordering in the input document.
var canonical = jsoniter.ConfigCompatibleWithStandardLibrary

// volatileKeys never participate in content hashing: identity and receipt
// metadata would otherwise make every re-stamp change the hash.
var volatileKeys = []string{"id", "schema_version", "source", "received_at"}

// CanonicalJSON renders v as deterministic JSON: object keys sorted at every
// depth, numbers preserved verbatim, no insignificant whitespace.
func CanonicalJSON(v any) ([]byte, error) {
	tree, err := decodeTree(v)
	if err != nil {
		return nil, err
	}
	out, err := canonical.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("canonical remarshal: %w", err)
	}
	return out, nil
}

// ContentHash computes the sha256 of v's canonical JSON with the volatile
// top-level keys removed. The result is stable across key reordering and
// re-stamping.
func ContentHash(v any) (string, error) {
	tree, err := decodeTree(v)
	if err != nil {
		return "", err
	}
	if m, ok := tree.(map[string]any); ok {
		for _, k := range volatileKeys {
			delete(m, k)
		}
	}
	out, err := canonical.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("canonical remarshal: %w", err)
	}
	sum := sha256.Sum256(out)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// AssetID derives the content-addressed identifier for an asset:
// "<kind>_<first 16 hash hex chars>".
func AssetID(kind AssetKind, v any) (string, error) {
	h, err := ContentHash(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s", kind, strings.TrimPrefix(h, "sha256:")[:16]), nil
}

// AutoGeneID derives the identifier for a gene generated from raw signals.
// The same signal set, in any order and with duplicates, always yields the
// same id so regeneration is idempotent.
func AutoGeneID(signals []string) string {
	uniq := make(map[string]struct{}, len(signals))
	for _, s := range signals {
		uniq[strings.TrimSpace(s)] = struct{}{}
	}
	delete(uniq, "")
	sorted := make([]string, 0, len(uniq))
	for s := range uniq {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return "gene_auto_" + hex.EncodeToString(sum[:])[:12]
}

func decodeTree(v any) (any, error) {
	raw, err := canonical.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := canonical.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	return tree, nil
}
