package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskFieldRedactsSensitiveKeys(t *testing.T) {
	attr := MaskField("email", "alice@example.com")
	assert.Equal(t, "email", attr.Key)
	assert.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("password", "hunter2")
	assert.Equal(t, RedactedValue, attr.Value.String())
}

func TestMaskFieldPassesAllowlistedKeys(t *testing.T) {
	attr := MaskField("request_id", "req_abc123")
	assert.Equal(t, "req_abc123", attr.Value.String())

	attr = MaskField("reason", "PASSWORD_CHANGE")
	assert.Equal(t, "PASSWORD_CHANGE", attr.Value.String())
}

func TestMaskFieldLeavesEmptyValues(t *testing.T) {
	attr := MaskField("email", "")
	assert.Equal(t, "", attr.Value.String())
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, RedactedValue, MaskValue("secret"))
	assert.Equal(t, "", MaskValue(""))
	assert.Equal(t, " ", MaskValue(" "))
}

func TestRedactionAllowlistExcludesIdentifiers(t *testing.T) {
	for _, key := range []string{"email", "password", "token", "refresh_token", "ip_address"} {
		assert.False(t, IsAllowlisted(key), "key %q must not be allowlisted", key)
	}
	assert.True(t, IsAllowlisted("ERROR"), "allowlist lookup is case insensitive")
}

func TestMaskFieldIsAnAttr(t *testing.T) {
	// MaskField must slot directly into slog call sites.
	var _ slog.Attr = MaskField("email", "x@y.z")
}
