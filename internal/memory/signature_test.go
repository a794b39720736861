package memory

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, key *ecdsa.PrivateKey, msg string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func TestSignedMessageLayouts(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			"header layout signs everything but the signature",
			`{"header":{"agentName":"alice","agentVersion":"0.5.0","previousCid":"bafyA"},"signature":"0x00","data":{"text":"café <b>","n":1.50}}`,
			`{"header":{"agentName":"alice","agentVersion":"0.5.0","previousCid":"bafyA"},"data":{"text":"café <b>","n":1.5}}`,
		},
		{
			"flat layout up to 0.4.0",
			`{"previousCid":"bafyA","text":"hi","timestamp":"2024-01-01T00:00:00Z","agentVersion":"0.3.1","signature":"0x00","tags":["a", "b"]}`,
			`{"data":{"text":"hi","tags":["a","b"]},"previousCid":"bafyA","timestamp":"2024-01-01T00:00:00Z","agentVersion":"0.3.1"}`,
		},
		{
			"legacy layout with its own data",
			`{"data":{"b":2,"a":1},"previousCid":null,"timestamp":1700000000,"agentAddress":"0x01","signature":"0x00"}`,
			`{"data":{"b":2,"a":1},"previousCid":null,"timestamp":1700000000}`,
		},
		{
			"legacy layout without data",
			`{"text":"old","previousCid":"bafyZ","timestamp":5,"agentAddress":"0x01","signature":"0x00"}`,
			`{"data":{"text":"old","agentAddress":"0x01"},"previousCid":"bafyZ","timestamp":5}`,
		},
		{
			"old header version falls back to the flat layout",
			`{"header":{"agentVersion":"0.4.0"},"agentVersion":"0.4.0","previousCid":"x","timestamp":1,"signature":"0x00"}`,
			`{"data":{"header":{"agentVersion":"0.4.0"}},"previousCid":"x","timestamp":1,"agentVersion":"0.4.0"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, sig, err := SignedMessage([]byte(tc.content))
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(msg))
			assert.Equal(t, "0x00", sig)
		})
	}
}

func TestSignedMessageRejects(t *testing.T) {
	for _, content := range []string{
		`{"header":{"agentVersion":"1.0.0"}}`,
		`{"text":"legacy","signature":"0x00"}`,
		`["not","an","object"]`,
	} {
		_, _, err := SignedMessage([]byte(content))
		assert.Error(t, err, content)
	}
}

func TestFormatNumber(t *testing.T) {
	cases := map[float64]string{
		0:            "0",
		1:            "1",
		-2.5:         "-2.5",
		1e21:         "1e+21",
		1.5e-7:       "1.5e-7",
		0.000001:     "0.000001",
		123456789012: "123456789012",
	}
	for in, want := range cases {
		assert.Equal(t, want, formatNumber(in), "%v", in)
	}
}

func TestSignatureVerifier(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	v := NewSignatureVerifier(map[string]string{"Alice": strings.ToLower(addr)})

	body := `{"header":{"agentName":"alice","agentVersion":"1.2.0","previousCid":"bafyA"},"data":{"text":"hello"}}`
	signed := func(sig string) []byte {
		return []byte(strings.TrimSuffix(body, "}") + fmt.Sprintf(`,"signature":%q}`, sig))
	}

	assert.NoError(t, v.Verify("alice", signed(sign(t, key, body))))

	err = v.Verify("alice", signed(sign(t, other, body)))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	tampered := strings.Replace(string(signed(sign(t, key, body))), "hello", "hullo", 1)
	assert.ErrorIs(t, v.Verify("alice", []byte(tampered)), ErrInvalidSignature)

	assert.ErrorIs(t, v.Verify("bob", signed(sign(t, key, body))), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify("alice", []byte(body)), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify("alice", signed("0x1234")), ErrInvalidSignature)
}
