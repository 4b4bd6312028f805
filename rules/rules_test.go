package rules_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsaid97/go-geoqc/rules"
)

const sampleCSV = `TableId,TableName,GeometryType,BasicValidity,DuplicateGeom,OverlapGeom,Sliver
1,Parcels,POLYGON,Y,Y,N,n
2,Roads,LINESTRING,Y,N,N,N
`

func TestLoadCSV_ParsesHeaderAndRows(t *testing.T) {
	rs, err := rules.LoadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, rs.Rows, 2)

	parcels := rs.Rows[0]
	assert.Equal(t, "1", parcels.TableID)
	assert.Equal(t, "Parcels", parcels.TableName)
	assert.Equal(t, "POLYGON", parcels.GeometryType)
	assert.True(t, parcels.EnabledRules["BasicValidity"])
	assert.True(t, parcels.EnabledRules["DuplicateGeom"])
	assert.False(t, parcels.EnabledRules["OverlapGeom"])
	assert.False(t, parcels.EnabledRules["Sliver"], "lowercase 'n' must be treated as off")
}

func TestLoadCSV_DerivesGeometryRulesFromYCells(t *testing.T) {
	rs, err := rules.LoadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	var parcelsChecks []rules.GeometryCheck
	for _, gr := range rs.GeometryRules {
		if gr.Layer == "Parcels" {
			parcelsChecks = append(parcelsChecks, gr.Check)
		}
	}
	assert.ElementsMatch(t, []rules.GeometryCheck{rules.CheckBasicValidity, rules.CheckDuplicateGeom}, parcelsChecks)
}

func TestLoadCSV_RejectsEmptyFile(t *testing.T) {
	_, err := rules.LoadCSV(strings.NewReader(""))
	assert.Error(t, err)
}

func TestLoadCSV_RejectsShortHeader(t *testing.T) {
	_, err := rules.LoadCSV(strings.NewReader("TableId,TableName\n1,Parcels\n"))
	assert.Error(t, err)
}

const sampleJSON = `{
	"relationRules": [
		{"sourceLayer":"Parcels","targetLayer":"Zoning","relation":"Within","required":true,"severity":"MAJOR"}
	],
	"topologyRules": [
		{"sourceLayer":"Parcels","targetLayer":"Parcels","topologyKind":"MustNotOverlap","tolerance":0.01}
	]
}`

func TestLoadJSON_MergesIntoExistingRuleSet(t *testing.T) {
	rs, err := rules.LoadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	rs, err = rules.LoadJSON(strings.NewReader(sampleJSON), rs)
	require.NoError(t, err)

	require.Len(t, rs.RelationRules, 1)
	assert.Equal(t, rules.RelationWithin, rs.RelationRules[0].Relation)
	assert.Equal(t, rules.DefaultTolerance, rs.RelationRules[0].Tolerance, "zero tolerance defaults")

	require.Len(t, rs.TopologyRules, 1)
	assert.Equal(t, rules.TopologyMustNotOverlap, rs.TopologyRules[0].TopologyKind)
	assert.Equal(t, 0.01, rs.TopologyRules[0].Tolerance)
}
