package generichttp_test

import (
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pewpewsetup/pewpew/generichttp"
)

func TestResolveName(t *testing.T) {
	got, err := generichttp.ResolveName("setups", "bench.set")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("setups", "bench.set"), got)

	for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`, "/etc/passwd", "x..y"} {
		_, err := generichttp.ResolveName("setups", name)
		assert.Truef(t, errors.Is(err, generichttp.ErrBadFileName), "name %q gave %v", name, err)
	}
}

func TestStatusFor(t *testing.T) {
	_, err := generichttp.ResolveName("d", "../x")
	assert.Equal(t, http.StatusBadRequest, generichttp.StatusFor(err))
	assert.Equal(t, http.StatusInternalServerError, generichttp.StatusFor(errors.New("boom")))
}
