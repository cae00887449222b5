package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoteStoreError(t *testing.T) {
	err := wrap("insert message", errors.New("connection refused"))

	var storeErr *RemoteStoreError
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, "insert message", storeErr.Op)
	require.EqualError(t, err, "remote store insert message: connection refused")

	require.NoError(t, wrap("noop", nil))
}

func TestNotFoundIsUnwrappable(t *testing.T) {
	err := wrap("get chat", ErrNotFound)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestN8nCredentials_Configured(t *testing.T) {
	require.True(t, N8nCredentials{URL: "https://n8n.local", APIKey: "k"}.Configured())
	require.False(t, N8nCredentials{URL: "https://n8n.local"}.Configured())
	require.False(t, N8nCredentials{URL: "  ", APIKey: "k"}.Configured())
}

func TestMaskSecret(t *testing.T) {
	require.Equal(t, "", MaskSecret(""))
	require.Equal(t, "***", MaskSecret("abc"))
	require.Equal(t, "******cdef", MaskSecret("0123abcdef"))
}
