package main

import (
	"bytes"
	"strings"
	"testing"

	"payu-gateway/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	t.Run("Mints admin token", func(t *testing.T) {
		t.Setenv("SECRET_KEY", "operator-secret")
		var out bytes.Buffer

		require.NoError(t, run([]string{"-sub", "ops@example.com"}, &out))

		claims, err := auth.ParseOperatorToken(strings.TrimSpace(out.String()), []byte("operator-secret"))
		require.NoError(t, err)
		assert.Equal(t, "ops@example.com", claims.Subject)
		assert.Equal(t, auth.RoleAdmin, claims.Role)
	})

	t.Run("Subject required", func(t *testing.T) {
		t.Setenv("SECRET_KEY", "operator-secret")
		assert.ErrorContains(t, run(nil, &bytes.Buffer{}), "-sub")
	})

	t.Run("Secret required", func(t *testing.T) {
		t.Setenv("SECRET_KEY", "")
		assert.ErrorContains(t, run([]string{"-sub", "ops"}, &bytes.Buffer{}), "SECRET_KEY")
	})
}
