package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecretKeepsSuffix(t *testing.T) {
	assert.Equal(t, "sk_****f9x2", MaskSecret("sk_live29ab71f9x2"))
	assert.Equal(t, "****", MaskSecret("abcd"))
	assert.Equal(t, "", MaskSecret("   "))
}

func TestMaskJSONRedactsOnlySensitiveKeys(t *testing.T) {
	out := MaskJSON(map[string]any{
		"user_id":  "user-42",
		"action":   "coupon.redeem",
		"api_key":  "sk_live29ab71f9x2",
		"amount":   12.5,
		"provider": map[string]any{"name": "llm", "access_token": "tok_55a1b2c3d4"},
	})

	assert.Equal(t, "user-42", out["user_id"])
	assert.Equal(t, "coupon.redeem", out["action"])
	assert.Equal(t, "sk_****f9x2", out["api_key"])
	assert.Equal(t, 12.5, out["amount"])

	nested, ok := out["provider"].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "llm", nested["name"])
	assert.Equal(t, "tok_****c3d4", nested["access_token"])
}

func TestMaskJSONEmptyInput(t *testing.T) {
	assert.Nil(t, MaskJSON(nil))
	assert.Nil(t, MaskJSON(map[string]any{"  ": "noop"}))
}
