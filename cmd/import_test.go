package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

func TestReadEntityCSV(t *testing.T) {
	csvData := `id,type,full_name,email,state,district,county,metric
d1,donor,Alice Nguyen,alice@example.org,TX,TX-21,Travis,15000
d2,donor,Bob Ortiz,,TX,,Bexar,0
,volunteer,Cara Lee,cara@example.org,TX,TX-10,,42.5
`
	entities, err := readEntityCSV(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, entities, 3)

	assert.Equal(t, "d1", entities[0].ID)
	assert.Equal(t, model.EntityDonor, entities[0].Type)
	assert.Equal(t, "Alice Nguyen", entities[0].FullName)
	assert.Equal(t, "TX-21", entities[0].District)
	assert.Equal(t, 15000.0, entities[0].Metric)

	assert.Empty(t, entities[1].Email)
	assert.Equal(t, 0.0, entities[1].Metric)

	assert.Empty(t, entities[2].ID)
	assert.Equal(t, model.EntityVolunteer, entities[2].Type)
	assert.Equal(t, 42.5, entities[2].Metric)
}

func TestReadEntityCSV_ColumnSubset(t *testing.T) {
	csvData := `full_name,state
Dana Park,CA
`
	entities, err := readEntityCSV(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Dana Park", entities[0].FullName)
	assert.Equal(t, "CA", entities[0].State)
	assert.Empty(t, entities[0].ID)
}

func TestReadEntityCSV_BadMetric(t *testing.T) {
	csvData := `id,metric
d1,not-a-number
`
	_, err := readEntityCSV(strings.NewReader(csvData))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse metric")
}
