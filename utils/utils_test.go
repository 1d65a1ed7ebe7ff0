package utils

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestEncryptRoundTrip(t *testing.T) {
	sealed, err := EncryptWithKey("smtp-password", testKey)
	require.NoError(t, err)
	assert.NotEqual(t, "smtp-password", sealed)

	again, err := EncryptWithKey("smtp-password", testKey)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "random IV per call")

	plain, err := DecryptWithKey(sealed, testKey)
	require.NoError(t, err)
	assert.Equal(t, "smtp-password", plain)
}

func TestEncryptEdgeCases(t *testing.T) {
	out, err := EncryptWithKey("", testKey)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = EncryptWithKey("x", "bad-key")
	assert.Error(t, err)

	_, err = DecryptWithKey("%%%", testKey)
	assert.Error(t, err)

	_, err = DecryptWithKey("c2hvcnQ=", testKey)
	assert.Error(t, err)
}

type sample struct {
	Type  string   `validate:"required,oneof=reply bounce"`
	Email string   `validate:"omitempty,email"`
	Refs  []string `validate:"max=2"`
}

func TestValidateStruct(t *testing.T) {
	assert.NoError(t, ValidateStruct(sample{Type: "reply"}))

	err := ValidateStruct(sample{Type: "open", Email: "nope", Refs: []string{"a", "b", "c"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type must be one of: reply bounce")
	assert.Contains(t, err.Error(), "email must be a valid email")
	assert.Contains(t, err.Error(), "refs must be at most 2")

	assert.EqualError(t, ValidateStruct(sample{}), "type is required")
}

func TestParseUint(t *testing.T) {
	v, err := ParseUint("42")
	require.NoError(t, err)
	assert.Equal(t, uint(42), v)

	for _, in := range []string{"0", "-1", "abc", "99999999999"} {
		_, err := ParseUint(in)
		assert.Error(t, err, in)
	}
}

func TestErrorResponse(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return ErrorResponse(c, fiber.StatusTeapot, "nope", errors.New("detail"))
	})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTeapot, resp.StatusCode)
}

func TestInitLogger(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	require.NoError(t, InitLogger("debug", "json", "", "test"))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	_, ok := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	require.NoError(t, InitLogger("nonsense", "text", "", "test"))
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}
