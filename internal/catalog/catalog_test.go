package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rferrors "github.com/ruleforge/ruleforge/internal/errors"
)

// ---------------------------------------------------------------------------
// Built-in catalog
// ---------------------------------------------------------------------------

func TestDefault_LoadsEmbeddedCatalog(t *testing.T) {
	c := Default()
	require.Equal(t, 59, c.Len())

	first := c.List()[0]
	assert.Equal(t, "evt-search", first.ID)
	assert.Equal(t, GroupEvent, first.Group)

	count, err := c.Lookup("fn-count")
	require.NoError(t, err)
	require.Len(t, count.Params, 2)
	assert.Equal(t, "count", count.Params[0].Key)
	assert.Equal(t, "Number of Times", count.Params[0].Label)
	assert.Equal(t, "mins", count.Params[1].Key)

	cvss, err := c.Lookup("hp-vuln-cvss")
	require.NoError(t, err)
	p := cvss.Params[0]
	assert.Equal(t, KindNumber, p.Kind)
	require.NotNil(t, p.Min)
	require.NotNil(t, p.Max)
	assert.Equal(t, 0.0, *p.Min)
	assert.Equal(t, 10.0, *p.Max)

	local, err := c.Lookup("net-src-local")
	require.NoError(t, err)
	assert.Empty(t, local.Params)
}

func TestDefault_EveryGroupIsPopulated(t *testing.T) {
	c := Default()
	for _, g := range Groups() {
		assert.NotEmpty(t, c.Filter(g, ""), "group %s has no tests", g)
		assert.NotEmpty(t, GroupName(g))
	}
}

func TestGroupName(t *testing.T) {
	assert.Equal(t, "Event Property Tests", GroupName(GroupEvent))
	assert.Equal(t, "IP / Port Tests", GroupName(GroupIP))
	assert.Equal(t, "", GroupName(Group("bogus")))
	assert.Len(t, Groups(), 11)
}

// ---------------------------------------------------------------------------
// Filter
// ---------------------------------------------------------------------------

func TestFilter(t *testing.T) {
	c := Default()

	tests := []struct {
		name    string
		group   Group
		keyword string
		check   func(t *testing.T, got []*TestDefinition)
	}{
		{
			name: "no constraint returns everything in order",
			check: func(t *testing.T, got []*TestDefinition) {
				assert.Equal(t, c.List(), got)
			},
		},
		{
			name:  "group only",
			group: GroupDateTime,
			check: func(t *testing.T, got []*TestDefinition) {
				ids := idsOf(got)
				assert.Equal(t, []string{"dt-time", "dt-day", "dt-after", "dt-before", "dt-date"}, ids)
			},
		},
		{
			name:    "keyword is case-insensitive",
			keyword: "PAYLOAD",
			check: func(t *testing.T, got []*TestDefinition) {
				assert.Contains(t, idsOf(got), "evt-payload")
				assert.Contains(t, idsOf(got), "cp-regex")
			},
		},
		{
			name:    "group and keyword compose with AND",
			group:   GroupIP,
			keyword: "NOT",
			check: func(t *testing.T, got []*TestDefinition) {
				assert.Equal(t, []string{"ip-src-not", "ip-dst-not", "port-src-not", "port-dst-not"}, idsOf(got))
			},
		},
		{
			name:  "unknown group yields empty",
			group: Group("nonexistent"),
			check: func(t *testing.T, got []*TestDefinition) {
				assert.NotNil(t, got)
				assert.Empty(t, got)
			},
		},
		{
			name:    "keyword without match",
			keyword: "zzz-no-such-text",
			check: func(t *testing.T, got []*TestDefinition) {
				assert.Empty(t, got)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, c.Filter(tt.group, tt.keyword))
		})
	}
}

func TestFilter_SharesDefinitionPointers(t *testing.T) {
	c := Default()
	def, err := c.Lookup("ref-field")
	require.NoError(t, err)
	got := c.Filter(GroupRefData, "event field")
	require.Len(t, got, 1)
	assert.Same(t, def, got[0])
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Default().Lookup("evt-nope")
	require.Error(t, err)
	assert.True(t, rferrors.Is(err, rferrors.ErrUnknownTest))
}

// ---------------------------------------------------------------------------
// Parse / Load validation
// ---------------------------------------------------------------------------

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "duplicate ids",
			yaml: `
tests:
  - {id: a, group: event, text: "x", params: []}
  - {id: a, group: ip, text: "y", params: []}
`,
		},
		{
			name: "unknown group",
			yaml: `tests: [{id: a, group: weather, text: "x", params: []}]`,
		},
		{
			name: "missing text",
			yaml: `tests: [{id: a, group: event, text: "", params: []}]`,
		},
		{
			name: "duplicate param keys",
			yaml: `
tests:
  - id: a
    group: event
    text: x
    params:
      - {key: k, label: K, kind: text}
      - {key: k, label: K2, kind: text}
`,
		},
		{
			name: "choice kind without options",
			yaml: `tests: [{id: a, group: event, text: x, params: [{key: k, label: K, kind: select}]}]`,
		},
		{
			name: "unknown kind",
			yaml: `tests: [{id: a, group: event, text: x, params: [{key: k, label: K, kind: date}]}]`,
		},
		{
			name: "min above max",
			yaml: `tests: [{id: a, group: event, text: x, params: [{key: k, label: K, kind: number, min: 5, max: 1}]}]`,
		},
		{
			name: "not yaml",
			yaml: `tests: [unterminated`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, rferrors.Is(err, rferrors.ErrCatalogInvalid), "got %v", err)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("empty path uses built-in", func(t *testing.T) {
		c, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default().Len(), c.Len())
	})

	t.Run("override file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.yaml")
		content := `
tests:
  - id: custom-1
    group: customprop
    text: when the custom property equals
    params:
      - {key: v, label: Value, kind: text, optional: true}
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
		c, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, 1, c.Len())
		def, err := c.Lookup("custom-1")
		require.NoError(t, err)
		assert.True(t, def.Params[0].Optional)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.True(t, rferrors.Is(err, rferrors.ErrCatalogInvalid))
	})
}

func TestTestDefinition_Param(t *testing.T) {
	def, err := Default().Lookup("dt-time")
	require.NoError(t, err)

	p, ok := def.Param("end")
	require.True(t, ok)
	assert.Equal(t, "End Time (HH:MM)", p.Label)

	_, ok = def.Param("middle")
	assert.False(t, ok)
}

func idsOf(defs []*TestDefinition) []string {
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ID)
	}
	return ids
}
