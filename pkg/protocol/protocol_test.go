package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(TypePostMessage, PostMessage{
		Authenticated: Authenticated{Cookie: "c00k1e"},
		Channel:       "abc",
		Content:       "hi",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"post-message","payload":{"cookie":"c00k1e","channel":"abc","content":"hi"}}`, string(data))

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypePostMessage, env.Type)

	var msg PostMessage
	require.NoError(t, env.DecodePayload(&msg))
	assert.Equal(t, "c00k1e", msg.Cookie)
	assert.Equal(t, "abc", msg.Channel)
	assert.Equal(t, "hi", msg.Content)
}

func TestEncodeWithoutPayload(t *testing.T) {
	data, err := Encode(TypeInvalidAuth, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"invalid_auth"}`, string(data))

	env, err := Decode(data)
	require.NoError(t, err)
	assert.ErrorIs(t, env.DecodePayload(&Failure{}), ErrMissingPayload)

	_, err = Encode("", nil)
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"missing type", `{"payload":{}}`, ErrMissingType},
		{"empty type", `{"type":""}`, ErrMissingType},
		{"too large", `{"type":"signup","payload":"` + strings.Repeat("x", MaxEnvelopeSize) + `"}`, ErrEnvelopeTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	env, err := Decode([]byte(`{"type":"signin","payload":[1,2]}`))
	require.NoError(t, err)
	assert.Error(t, env.DecodePayload(&Credentials{}))
}

// TestDecodeNeverPanics feeds arbitrary bytes to the decoder.
func TestDecodeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "data")
		env, err := Decode(data)
		if err != nil {
			return
		}
		if env.Type == "" {
			t.Fatalf("decoded envelope without type")
		}
		_ = env.DecodePayload(&PostMessage{})
	})
}

// TestEnvelopeRoundTrip checks that any typed credentials payload survives the wire.
func TestEnvelopeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		typ := rapid.SampledFrom([]string{TypeSignup, TypeSignin}).Draw(t, "type")
		creds := Credentials{
			Username: rapid.String().Draw(t, "username"),
			Password: rapid.String().Draw(t, "password"),
		}

		data, err := Encode(typ, creds)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if !json.Valid(data) {
			t.Fatalf("encoded envelope is not valid JSON")
		}
		env, err := Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		var got Credentials
		if err := env.DecodePayload(&got); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if env.Type != typ {
			t.Fatalf("type mismatch: got %q, want %q", env.Type, typ)
		}
		if got != creds {
			t.Fatalf("payload mismatch: got %+v, want %+v", got, creds)
		}
	})
}
