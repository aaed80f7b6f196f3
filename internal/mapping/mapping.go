// Package mapping implements the Mapping Engine: expanding bare or compound
// data-element identifiers into fully-qualified source/destination pairs,
// and fanning out downloaded values across attribute-option-combos. ID
// expansion is grounded on the dataSetElements/categoryCombo query shape in
// other_examples/Dradebo-dhis2Sync__service.go (GetDatasetInfo's
// "categoryCombo[id,name,code,categoryOptionCombos[id,name,code]]" fields
// param), adapted to query a single data element's category combo instead
// of a whole dataset.
package mapping

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/dhis2"
	"github.com/dhis2pipeline/migrate/internal/jobs"
)

// ExpandedPair is a fully-qualified {dataElement}.{categoryOptionCombo} pair
// on both sides.
type ExpandedPair struct {
	SourceID      string
	DestinationID string
}

type comboEntry struct {
	dataElement string
	comboID     string
	name        string
}

func (e comboEntry) key() string { return e.dataElement + "." + e.comboID }

// categoryOptionCombo is the subset of a category-option-combo DHIS2 returns
// under categoryCombo[...].
type categoryOptionCombo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type categoryCombo struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name"`
	CategoryOptionCombos []categoryOptionCombo `json:"categoryOptionCombos"`
}

type dataElementResponse struct {
	ID            string        `json:"id"`
	CategoryCombo categoryCombo `json:"categoryCombo"`
}

// Engine expands and joins Mapping pairs against a DHIS2-compatible client.
type Engine struct {
	source      *dhis2.Client
	destination *dhis2.Client
}

// New constructs an Engine that expands source-side compound IDs against
// sourceClient and destination-side compound IDs against destClient.
func New(sourceClient, destClient *dhis2.Client) *Engine {
	return &Engine{source: sourceClient, destination: destClient}
}

// isCompound reports whether id is already "{dataElement}.{categoryOptionCombo}".
func isCompound(id string) bool {
	return strings.Contains(id, ".")
}

// Expand resolves a list of Mappings into fully-qualified, deduplicated
// ExpandedPairs.
//
//  1. A pair already compound on both sides passes through unchanged.
//  2. Otherwise each bare side is expanded to every {dataElement}.
//     {categoryOptionCombo} entry the data element's category combo has.
//  3. Destination-side expansions are joined to source-side expansions
//     first by category-option-combo id equality, falling back to name
//     equality. No other join is permitted; unmatched combinations are
//     dropped.
//  4. The result is deduplicated by value.
func (e *Engine) Expand(ctx context.Context, mappings []jobs.Mapping) ([]ExpandedPair, error) {
	var out []ExpandedPair
	seen := make(map[ExpandedPair]bool)

	for _, m := range mappings {
		if isCompound(m.SourceID) && isCompound(m.DestinationID) {
			pair := ExpandedPair{SourceID: m.SourceID, DestinationID: m.DestinationID}
			if !seen[pair] {
				seen[pair] = true
				out = append(out, pair)
			}
			continue
		}

		srcEntries, err := e.expandSide(ctx, e.source, m.SourceID)
		if err != nil {
			return nil, err
		}
		dstEntries, err := e.expandSide(ctx, e.destination, m.DestinationID)
		if err != nil {
			return nil, err
		}

		for _, joined := range joinByComboThenName(dstEntries, srcEntries) {
			if !seen[joined] {
				seen[joined] = true
				out = append(out, joined)
			}
		}
	}

	return out, nil
}

// expandSide expands a single side of a Mapping pair. A compound id expands
// to the single entry it already names; a bare data-element id expands to
// every category-option-combo of its category combo.
func (e *Engine) expandSide(ctx context.Context, client *dhis2.Client, id string) ([]comboEntry, error) {
	if isCompound(id) {
		parts := strings.SplitN(id, ".", 2)
		return []comboEntry{{dataElement: parts[0], comboID: parts[1]}}, nil
	}

	params := url.Values{"fields": []string{"id,categoryCombo[id,name,categoryOptionCombos[id,name]]"}}
	resp, err := client.Get(ctx, fmt.Sprintf("api/dataElements/%s", id), params)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMappingFailed, "fetch category combo for "+id, err)
	}
	var decoded dataElementResponse
	if err := resp.Decode(&decoded); err != nil {
		return nil, apperr.Wrap(apperr.KindMappingFailed, "decode category combo for "+id, err)
	}
	if len(decoded.CategoryCombo.CategoryOptionCombos) == 0 {
		return nil, apperr.New(apperr.KindMappingFailed, "data element "+id+" has no category-option-combos")
	}

	entries := make([]comboEntry, 0, len(decoded.CategoryCombo.CategoryOptionCombos))
	for _, coc := range decoded.CategoryCombo.CategoryOptionCombos {
		entries = append(entries, comboEntry{dataElement: id, comboID: coc.ID, name: coc.Name})
	}
	return entries, nil
}

// joinByComboThenName joins destination entries to source entries, trying
// category-option-combo id equality first and falling back to name
// equality. Unmatched destination entries are dropped.
func joinByComboThenName(destEntries, srcEntries []comboEntry) []ExpandedPair {
	srcByID := make(map[string]comboEntry, len(srcEntries))
	srcByName := make(map[string]comboEntry, len(srcEntries))
	for _, s := range srcEntries {
		srcByID[s.comboID] = s
		if s.name != "" {
			srcByName[s.name] = s
		}
	}

	var out []ExpandedPair
	for _, d := range destEntries {
		if s, ok := srcByID[d.comboID]; ok {
			out = append(out, ExpandedPair{SourceID: s.key(), DestinationID: d.key()})
			continue
		}
		if d.name != "" {
			if s, ok := srcByName[d.name]; ok {
				out = append(out, ExpandedPair{SourceID: s.key(), DestinationID: d.key()})
			}
		}
	}
	return out
}

// CategoryOptionSelector names the attribute-option-combo fan-out described
// by a DataItemConfig: every categoryOptionCombo of CategoryOptionID is
// applied, producing one attributeOptionCombo per combo.
type CategoryOptionSelector = jobs.AttributeOptionComboSelector

type attributeCategoryOption struct {
	ID             string `json:"id"`
	CategoryCombos []struct {
		ID                   string                `json:"id"`
		CategoryOptionCombos []categoryOptionCombo `json:"categoryOptionCombos"`
	} `json:"categoryOptionCombos"`
}

// FanOut replicates each value in values once per category-option-combo of
// selector's category option, writing attributeOptionCombo accordingly. It
// fails if the category option does not belong to the attribute.
func (e *Engine) FanOut(ctx context.Context, values []map[string]interface{}, selector jobs.AttributeOptionComboSelector) ([]map[string]interface{}, error) {
	combos, err := e.attributeOptionCombos(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(combos) == 0 {
		return nil, apperr.New(apperr.KindMappingFailed,
			fmt.Sprintf("category option %s does not belong to attribute %s", selector.CategoryOptionID, selector.AttributeID))
	}

	out := make([]map[string]interface{}, 0, len(values)*len(combos))
	for _, v := range values {
		for _, combo := range combos {
			replica := make(map[string]interface{}, len(v)+1)
			for k, val := range v {
				replica[k] = val
			}
			replica["attributeOptionCombo"] = combo
			out = append(out, replica)
		}
	}
	return out, nil
}

func (e *Engine) attributeOptionCombos(ctx context.Context, selector jobs.AttributeOptionComboSelector) ([]string, error) {
	params := url.Values{"fields": []string{"id,categoryOptionCombos[id,categoryOptionCombos[id]]"}}
	resp, err := e.destination.Get(ctx, fmt.Sprintf("api/categoryOptions/%s", selector.CategoryOptionID), params)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMappingFailed, "fetch category option "+selector.CategoryOptionID, err)
	}
	var decoded attributeCategoryOption
	if err := resp.Decode(&decoded); err != nil {
		return nil, apperr.Wrap(apperr.KindMappingFailed, "decode category option "+selector.CategoryOptionID, err)
	}

	var ids []string
	for _, cc := range decoded.CategoryCombos {
		if cc.ID != selector.AttributeID {
			continue
		}
		for _, coc := range cc.CategoryOptionCombos {
			ids = append(ids, coc.ID)
		}
	}
	return ids, nil
}

// ParseNumericValue reports whether raw parses as a number, per the
// DataDownload filter that drops values whose "value" field is not
// numeric.
func ParseNumericValue(raw string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
