package mapping

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/dhis2"
	"github.com/dhis2pipeline/migrate/internal/jobs"
)

func TestExpandCompoundPairPassesThrough(t *testing.T) {
	engine := New(dhis2.New("http://unused", "", 0), dhis2.New("http://unused", "", 0))

	expanded, err := engine.Expand(context.Background(), []jobs.Mapping{
		{SourceID: "de-1.coc-1", DestinationID: "de-9.coc-9"},
	})
	require.NoError(t, err)
	assert.Equal(t, []ExpandedPair{{SourceID: "de-1.coc-1", DestinationID: "de-9.coc-9"}}, expanded)
}

func TestExpandBarePairJoinsByComboID(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"id": "de-src",
			"categoryCombo": {"id": "cc-1", "name": "default",
				"categoryOptionCombos": [{"id": "coc-shared", "name": "A"}, {"id": "coc-src-only", "name": "B"}]
			}
		}`))
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"id": "de-dst",
			"categoryCombo": {"id": "cc-2", "name": "default",
				"categoryOptionCombos": [{"id": "coc-shared", "name": "A"}, {"id": "coc-dst-only", "name": "C"}]
			}
		}`))
	}))
	defer dest.Close()

	engine := New(dhis2.New(source.URL, "", 0), dhis2.New(dest.URL, "", 0))

	expanded, err := engine.Expand(context.Background(), []jobs.Mapping{
		{SourceID: "de-src", DestinationID: "de-dst"},
	})
	require.NoError(t, err)
	require.Len(t, expanded, 1)
	assert.Equal(t, ExpandedPair{SourceID: "de-src.coc-shared", DestinationID: "de-dst.coc-shared"}, expanded[0])
}

func TestExpandFallsBackToNameJoin(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"de-src","categoryCombo":{"id":"cc-1","categoryOptionCombos":[{"id":"coc-a","name":"Q1"}]}}`))
	}))
	defer source.Close()
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"de-dst","categoryCombo":{"id":"cc-2","categoryOptionCombos":[{"id":"coc-b","name":"Q1"}]}}`))
	}))
	defer dest.Close()

	engine := New(dhis2.New(source.URL, "", 0), dhis2.New(dest.URL, "", 0))
	expanded, err := engine.Expand(context.Background(), []jobs.Mapping{{SourceID: "de-src", DestinationID: "de-dst"}})
	require.NoError(t, err)
	require.Len(t, expanded, 1)
	assert.Equal(t, "de-src.coc-a", expanded[0].SourceID)
	assert.Equal(t, "de-dst.coc-b", expanded[0].DestinationID)
}

func TestExpandFailsWithMappingFailedWhenNoCombos(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"de-src","categoryCombo":{"id":"cc-1","categoryOptionCombos":[]}}`))
	}))
	defer source.Close()

	engine := New(dhis2.New(source.URL, "", 0), dhis2.New(source.URL, "", 0))
	_, err := engine.Expand(context.Background(), []jobs.Mapping{{SourceID: "de-src", DestinationID: "de-dst"}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindMappingFailed, apperr.KindOf(err))
}

func TestFanOutReplicatesPerCombo(t *testing.T) {
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"id": "co-1",
			"categoryOptionCombos": [
				{"id": "attr-1", "categoryOptionCombos": [{"id": "aoc-1"}, {"id": "aoc-2"}]}
			]
		}`))
	}))
	defer dest.Close()

	engine := New(dhis2.New(dest.URL, "", 0), dhis2.New(dest.URL, "", 0))
	values := []map[string]interface{}{{"dataElement": "de-1", "value": "5"}}

	out, err := engine.FanOut(context.Background(), values, jobs.AttributeOptionComboSelector{
		AttributeID:      "attr-1",
		CategoryOptionID: "co-1",
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.ElementsMatch(t, []interface{}{"aoc-1", "aoc-2"}, []interface{}{out[0]["attributeOptionCombo"], out[1]["attributeOptionCombo"]})
}

func TestFanOutFailsWhenCategoryOptionNotInAttribute(t *testing.T) {
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"co-1","categoryOptionCombos":[{"id":"other-attr","categoryOptionCombos":[{"id":"aoc-1"}]}]}`))
	}))
	defer dest.Close()

	engine := New(dhis2.New(dest.URL, "", 0), dhis2.New(dest.URL, "", 0))
	_, err := engine.FanOut(context.Background(), nil, jobs.AttributeOptionComboSelector{AttributeID: "attr-1", CategoryOptionID: "co-1"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindMappingFailed, apperr.KindOf(err))
}

func TestParseNumericValue(t *testing.T) {
	v, ok := ParseNumericValue(" 42.5 ")
	assert.True(t, ok)
	assert.Equal(t, 42.5, v)

	_, ok = ParseNumericValue("not-a-number")
	assert.False(t, ok)
}
