package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opc-classic/opcda-go/pkg/da"
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/server"
)

func browserFor(t *testing.T, filters model.BrowseFilters) *da.Browser {
	t.Helper()
	ns := model.NewNamespace("")
	for _, meta := range []model.VariableMetadata{
		{ID: "Plant.Line1.Speed", Type: model.DataTypeFloat64, Access: model.AccessReadWrite, Initial: 1.5},
		{ID: "Plant.Line1.Count", Type: model.DataTypeUint32},
		{ID: "Plant.Alarm", Type: model.DataTypeBool},
	} {
		_, err := ns.AddItem(meta)
		require.NoError(t, err)
	}
	reg := server.NewRegistry()
	_, err := reg.Register(server.Info{ProgID: "Tree.Test"}, ns)
	require.NoError(t, err)

	srv := da.NewServer(server.NewSession(reg, server.WithTick(5*time.Millisecond)))
	require.NoError(t, srv.Connect(context.Background(), "Tree.Test", "localhost"))
	b, err := da.NewBrowser(srv, filters)
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Release()
		_ = srv.Disconnect(context.Background())
	})
	return b
}

func TestTreePrinter(t *testing.T) {
	var out bytes.Buffer
	p := &treePrinter{w: &out}
	require.NoError(t, p.print(context.Background(), browserFor(t, model.BrowseFilters{}), ""))

	text := out.String()
	assert.Contains(t, text, "Plant/\n")
	assert.Contains(t, text, "  Line1/\n")
	assert.Contains(t, text, "    Speed [Plant.Line1.Speed]\n")
	assert.Contains(t, text, "  Alarm [Plant.Alarm]\n")
	assert.Contains(t, text, "2 branches, 3 items")
}

func TestTreePrinterRoot(t *testing.T) {
	var out bytes.Buffer
	p := &treePrinter{w: &out}
	require.NoError(t, p.print(context.Background(), browserFor(t, model.BrowseFilters{}), "Plant.Line1"))

	text := out.String()
	assert.NotContains(t, text, "Alarm")
	assert.Contains(t, text, "Count [Plant.Line1.Count]\n")
	assert.Contains(t, text, "0 branches, 2 items")
}

func TestTreePrinterUnknownRoot(t *testing.T) {
	p := &treePrinter{w: &bytes.Buffer{}}
	err := p.print(context.Background(), browserFor(t, model.BrowseFilters{}), "Nowhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `browse "Nowhere"`)
}

func TestTreePrinterProperties(t *testing.T) {
	var out bytes.Buffer
	p := &treePrinter{w: &out, props: true}
	b := browserFor(t, model.BrowseFilters{ReturnAllProperties: true, ReturnPropertyValues: true})
	require.NoError(t, p.print(context.Background(), b, "Plant.Line1"))

	assert.Contains(t, out.String(), "1.5")
}

func TestTreePrinterJSON(t *testing.T) {
	var out bytes.Buffer
	p := &treePrinter{w: &out, json: true}
	require.NoError(t, p.print(context.Background(), browserFor(t, model.BrowseFilters{}), ""))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "Plant", first["name"])
	assert.Equal(t, float64(0), first["depth"])
	assert.Equal(t, true, first["hasChildren"])
}
