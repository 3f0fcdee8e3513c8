package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdered(t *testing.T) {
	list, err := Ordered()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "0001_create_links.sql", list[0].Name)
	assert.True(t, strings.HasPrefix(list[0].SQL, "CREATE TABLE IF NOT EXISTS links"))
	assert.False(t, strings.HasSuffix(list[1].SQL, ";"))
}
