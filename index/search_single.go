package index

import (
	"context"
	"sort"

	"github.com/goccy/go-json"
)

// searchSingle checks one record's stored blob (as produced by Index)
// against an Expr, without consulting the indexer's persisted
// postings — useful for re-testing a record a caller already holds in
// memory against a query, rather than resolving the query across the
// whole index.
func searchSingle(blob recordBlob, cfg Config, e *Expr) (bool, error) {
	set, err := evalAgainstBlob(blob, cfg, e)
	if err != nil {
		return false, err
	}
	return set, nil
}

func evalAgainstBlob(blob recordBlob, cfg Config, e *Expr) (bool, error) {
	if e.isLeaf() {
		return blobMatches(blob, cfg, e)
	}
	var acc bool
	for i, child := range orderChildren(e.Children) {
		ok, err := evalAgainstBlob(blob, cfg, child)
		if err != nil {
			return false, err
		}
		switch {
		case i == 0:
			acc = ok
		case child.Negate:
			acc = acc && !ok
		case e.Mode == ModeAnd:
			acc = acc && ok
		default:
			acc = acc || ok
		}
	}
	return acc, nil
}

func blobMatches(blob recordBlob, cfg Config, e *Expr) (bool, error) {
	wos := blob.Fields[e.Field]
	switch {
	case len(e.Phrase) > 0:
		return phraseInBlob(wos, e.Phrase), nil
	case e.RangeOp != "":
		// Range and regex operators normally expand against the
		// persisted summary's bucket catalog, which a single
		// in-memory record doesn't carry; fall back to testing
		// whether any bucket token this record holds itself
		// satisfies the comparison.
		fd := fieldDefFor(cfg, e.Field)
		for _, wo := range wos {
			ok, err := bucketSatisfies(fd, wo.Word, e.RangeOp, e.RangeVal)
			if err == nil && ok {
				return true, nil
			}
		}
		return false, nil
	default:
		for _, wo := range wos {
			if wo.Word == e.Word {
				return true, nil
			}
		}
		return false, nil
	}
}

func fieldDefFor(cfg Config, id string) FieldDef {
	for _, f := range cfg.Fields {
		if f.ID == id {
			return f
		}
	}
	return FieldDef{}
}

func phraseInBlob(wos []wordOffset, words []string) bool {
	if len(words) == 0 {
		return false
	}
	offsetsByWord := map[string][]int{}
	for _, wo := range wos {
		offsetsByWord[wo.Word] = append(offsetsByWord[wo.Word], wo.Offset)
	}
	cur := offsetsByWord[words[0]]
	for _, w := range words[1:] {
		next := offsetsByWord[w]
		var matched []int
		for _, o := range cur {
			for _, no := range next {
				if no == o+1 {
					matched = append(matched, no)
					break
				}
			}
		}
		if len(matched) == 0 {
			return false
		}
		cur = matched
	}
	return len(cur) > 0
}

// sortRecords orders ids ascending (or descending) by the value each
// carries in the named sorter's hash, per §4.5.7. Ids with no entry in
// the sorter hash sort last.
func sortRecords(ctx context.Context, ix *Indexer, sorterID string, ids []string, descending bool) ([]string, error) {
	values := make(map[string]json.RawMessage, len(ids))
	hashKey := ix.sortHashKey(sorterID)
	for _, id := range ids {
		v, err := ix.hashes.Get(ctx, hashKey, id)
		if err != nil {
			continue
		}
		values[id] = v
	}
	out := make([]string, len(ids))
	copy(out, ids)
	sort.SliceStable(out, func(i, j int) bool {
		vi, oki := values[out[i]]
		vj, okj := values[out[j]]
		if !oki {
			return false
		}
		if !okj {
			return true
		}
		less := string(vi) < string(vj)
		if descending {
			return !less
		}
		return less
	})
	return out, nil
}

// SearchSingle loads the record's blob for id and tests it against a
// simple query string, without resolving the query against the whole
// index's postings.
func (ix *Indexer) SearchSingle(ctx context.Context, id, query, defaultField string) (bool, error) {
	raw, err := ix.engine.GetRaw(ctx, ix.dataKey(id))
	if err != nil {
		return false, err
	}
	data, err := decompressBlob(raw)
	if err != nil {
		return false, err
	}
	var blob recordBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return false, err
	}
	e, err := ParseSimple(query, defaultField)
	if err != nil {
		return false, err
	}
	return searchSingle(blob, ix.cfg, e)
}

// SortSearch runs Search then orders the results via sortRecords.
func (ix *Indexer) SortSearch(ctx context.Context, query, defaultField, sorterID string, descending bool) ([]string, error) {
	ids, err := ix.Search(ctx, query, defaultField)
	if err != nil {
		return nil, err
	}
	return sortRecords(ctx, ix, sorterID, ids, descending)
}
