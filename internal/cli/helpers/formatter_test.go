package helpers

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Name    string   `header:"NAME" json:"name"`
	Address Hex      `header:"ADDRESS" json:"address"`
	Tried   []string `header:"TRIED" json:"tried"`
	Extra   string   `json:"-"`
}

var sampleRows = []row{
	{Name: "net/http.serverHandler.ServeHTTP", Address: 0x401000, Tried: []string{"debug"}, Extra: "ignored"},
	{Name: "main.handler", Address: 0x402040, Tried: []string{"debug", "export"}},
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format  OutputFormat
		wantErr bool
	}{
		{FormatTable, false},
		{FormatJSON, false},
		{FormatYAML, false},
		{FormatCSV, false},
		{OutputFormat("xml"), true},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			f, err := NewFormatter(tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, f)
		})
	}
}

func TestTableFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TableFormatter{}).Format(sampleRows, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"NAME", "ADDRESS", "TRIED"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"main.handler", "0x402040", "debug,export"}, strings.Fields(lines[2]))
	assert.NotContains(t, buf.String(), "ignored")
}

func TestTableFormatter_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TableFormatter{}).Format([]row{}, &buf))
	assert.Empty(t, buf.String())
}

func TestTableFormatter_NotSlice(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, (&TableFormatter{}).Format(sampleRows[0], &buf))
	assert.Error(t, (&CSVFormatter{}).Format(sampleRows[0], &buf))
}

func TestCSVFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&CSVFormatter{}).Format(sampleRows, &buf))

	assert.Equal(t,
		"NAME,ADDRESS,TRIED\n"+
			"net/http.serverHandler.ServeHTTP,0x401000,debug\n"+
			"main.handler,0x402040,\"debug,export\"\n",
		buf.String())
}

func TestJSONFormatter_KeepsNumbers(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&JSONFormatter{}).Format(sampleRows, &buf))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, float64(0x401000), got[0]["address"])
	assert.NotContains(t, got[0], "Extra")
}

func TestYAMLFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&YAMLFormatter{}).Format(map[string]int{"offset": 192}, &buf))
	assert.Equal(t, "offset: 192\n", buf.String())
}

func TestValidateFormat(t *testing.T) {
	supported := []OutputFormat{FormatTable, FormatJSON}
	assert.NoError(t, ValidateFormat("json", supported))

	err := ValidateFormat("csv", supported)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table, json")
}
