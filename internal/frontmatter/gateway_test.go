package frontmatter

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateway_ReadWriteRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := NewGateway(fs)

	raw := "---\nid: STAGE-1-2-3\nstatus: Not Started\npriority: 2\n---\nSome body text.\n"
	require.NoError(t, afero.WriteFile(fs, "stage.md", []byte(raw), 0o644))

	data, body, err := gw.Read("stage.md")
	require.NoError(t, err)
	assert.Equal(t, "Some body text.\n", body)

	id, ok := data.GetString("id")
	require.True(t, ok)
	assert.Equal(t, "STAGE-1-2-3", id)
	assert.Equal(t, 2, data.GetInt("priority"))

	data.Set("status", "In Progress")
	require.NoError(t, gw.Write("stage.md", data, body))

	reread, rereadBody, err := gw.Read("stage.md")
	require.NoError(t, err)
	assert.Equal(t, body, rereadBody)
	status, _ := reread.GetString("status")
	assert.Equal(t, "In Progress", status)
}

func TestGateway_PreservesKeyOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := NewGateway(fs)

	raw := "---\nzeta: 1\nalpha: 2\nid: STAGE-1-2-3\n---\nbody\n"
	require.NoError(t, afero.WriteFile(fs, "stage.md", []byte(raw), 0o644))

	data, body, err := gw.Read("stage.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "id"}, data.Keys())

	require.NoError(t, gw.Write("stage.md", data, body))
	out, err := afero.ReadFile(fs, "stage.md")
	require.NoError(t, err)

	reread, _, err := gw.Read("stage.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "id"}, reread.Keys())
	assert.Contains(t, string(out), "zeta: 1\nalpha: 2\nid: STAGE-1-2-3\n")
}

func TestGateway_Read_MissingDelimiters(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := NewGateway(fs)

	require.NoError(t, afero.WriteFile(fs, "bad.md", []byte("no frontmatter here"), 0o644))
	_, _, err := gw.Read("bad.md")
	assert.Error(t, err)
}
