package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is matched by every signature verification failure.
var ErrInvalidSignature = errors.New("invalid memory signature")

// legacyVersionCeiling is the last agent version that signed the flat v1 layout.
const legacyVersionCeiling = "0.4.0"

// SignatureVerifier checks that a memory was signed by the configured
// address of the agent that owns it. Memories are signed as EIP-191 personal
// messages over the compact JSON rendering of the layout they were written in.
type SignatureVerifier struct {
	signers map[string]common.Address
}

// NewSignatureVerifier creates a verifier from agent name to signer address.
func NewSignatureVerifier(signers map[string]string) *SignatureVerifier {
	v := &SignatureVerifier{signers: make(map[string]common.Address, len(signers))}
	for name, addr := range signers {
		v.signers[strings.ToLower(name)] = common.HexToAddress(addr)
	}
	return v
}

// Verify reports whether content carries a valid signature by agent.
func (v *SignatureVerifier) Verify(agent string, content []byte) error {
	want, ok := v.signers[strings.ToLower(agent)]
	if !ok {
		return fmt.Errorf("%w: no signer configured for agent %q", ErrInvalidSignature, agent)
	}
	msg, sig, err := SignedMessage(content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	got, err := RecoverSigner(msg, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if got != want {
		return fmt.Errorf("%w: signed by %s, want %s", ErrInvalidSignature, got.Hex(), want.Hex())
	}
	return nil
}

// RecoverSigner returns the address that produced sig over msg as an
// EIP-191 personal message. sig is 65 hex-encoded bytes with v as 0/1 or 27/28.
func RecoverSigner(msg []byte, sig string) (common.Address, error) {
	raw := common.FromHex(sig)
	if len(raw) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature is %d bytes, want %d", len(raw), crypto.SignatureLength)
	}
	raw = bytes.Clone(raw)
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignedMessage rebuilds the exact message a memory was signed over and
// returns it with the signature it carries. Three layouts exist:
//   - header memories from agents newer than 0.4.0 sign everything but the signature;
//   - flat memories up to 0.4.0 sign {data, previousCid, timestamp, agentVersion};
//   - legacy memories sign {data, previousCid, timestamp}.
func SignedMessage(content []byte) ([]byte, string, error) {
	fields, err := objectFields(content)
	if err != nil {
		return nil, "", err
	}
	sig, err := stringField(fields, "signature")
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	switch layoutOf(fields) {
	case "header":
		err = writeObject(&buf, fields, "signature")
	case "flat":
		err = writeEnvelope(&buf, fields, false,
			[]string{"previousCid", "timestamp", "signature", "agentVersion"},
			"previousCid", "timestamp", "agentVersion")
	default:
		for _, required := range []string{"previousCid", "timestamp", "agentAddress"} {
			if _, ok := lookupField(fields, required); !ok {
				return nil, "", fmt.Errorf("legacy memory missing %s", required)
			}
		}
		err = writeEnvelope(&buf, fields, true,
			[]string{"previousCid", "timestamp", "signature"},
			"previousCid", "timestamp")
	}
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), sig, nil
}

func layoutOf(fields []field) string {
	if raw, ok := lookupField(fields, "header"); ok {
		var header struct {
			AgentVersion string `json:"agentVersion"`
		}
		if json.Unmarshal(raw, &header) == nil && header.AgentVersion != "" &&
			!versionAtMost(header.AgentVersion, legacyVersionCeiling) {
			return "header"
		}
	}
	if raw, ok := lookupField(fields, "agentVersion"); ok {
		var version string
		if json.Unmarshal(raw, &version) == nil && versionAtMost(version, legacyVersionCeiling) {
			return "flat"
		}
	}
	return "legacy"
}

// versionAtMost compares dotted numeric versions; missing parts count as 0.
func versionAtMost(v, ceiling string) bool {
	a, b := strings.Split(v, "."), strings.Split(ceiling, ".")
	for i := range max(len(a), len(b)) {
		var x, y int
		if i < len(a) {
			x, _ = strconv.Atoi(a[i])
		}
		if i < len(b) {
			y, _ = strconv.Atoi(b[i])
		}
		if x != y {
			return x < y
		}
	}
	return true
}

// writeEnvelope writes {"data": ..., <keys>...}. data is the memory minus
// the skip keys, or with ownData the memory's own data field when it is set.
func writeEnvelope(buf *bytes.Buffer, fields []field, ownData bool, skip []string, keys ...string) error {
	buf.WriteString(`{"data":`)
	if raw, ok := lookupField(fields, "data"); ok && ownData && truthy(raw) {
		if err := writeValue(buf, raw); err != nil {
			return err
		}
	} else if err := writeObject(buf, fields, skip...); err != nil {
		return err
	}
	for _, k := range keys {
		raw, ok := lookupField(fields, k)
		if !ok {
			continue
		}
		buf.WriteByte(',')
		writeString(buf, k)
		buf.WriteByte(':')
		if err := writeValue(buf, raw); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// truthy mirrors which JSON values count as set: not null, false, 0 or "".
func truthy(raw json.RawMessage) bool {
	switch s := string(bytes.TrimSpace(raw)); s {
	case "null", "false", `""`, "0":
		return false
	default:
		return s != ""
	}
}

type field struct {
	key string
	raw json.RawMessage
}

// objectFields splits a JSON object into its members in document order.
func objectFields(doc []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode memory: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("memory is not a JSON object")
	}
	var fields []field
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode memory: %w", err)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode memory field %v: %w", kt, err)
		}
		fields = append(fields, field{key: kt.(string), raw: raw})
	}
	return fields, nil
}

func lookupField(fields []field, key string) (json.RawMessage, bool) {
	for _, f := range fields {
		if f.key == key {
			return f.raw, true
		}
	}
	return nil, false
}

func stringField(fields []field, key string) (string, error) {
	raw, ok := lookupField(fields, key)
	if !ok {
		return "", fmt.Errorf("memory has no %s", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", fmt.Errorf("memory %s is not a string", key)
	}
	return s, nil
}

func writeObject(buf *bytes.Buffer, fields []field, skip ...string) error {
	buf.WriteByte('{')
	first := true
	for _, f := range fields {
		if slices.Contains(skip, f.key) {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeString(buf, f.key)
		buf.WriteByte(':')
		if err := writeValue(buf, f.raw); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeValue re-renders a JSON value compactly with JavaScript's string
// escaping and number formatting, keeping object member order.
func writeValue(buf *bytes.Buffer, raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return writeToken(buf, dec)
}

func writeToken(buf *bytes.Buffer, dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case json.Delim:
		open, end := byte(t), byte('}')
		if t == '[' {
			end = ']'
		}
		buf.WriteByte(open)
		for first := true; dec.More(); first = false {
			if !first {
				buf.WriteByte(',')
			}
			if open == '{' {
				kt, err := dec.Token()
				if err != nil {
					return err
				}
				writeString(buf, kt.(string))
				buf.WriteByte(':')
			}
			if err := writeToken(buf, dec); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return err
		}
		buf.WriteByte(end)
	case string:
		writeString(buf, t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return err
		}
		buf.WriteString(formatNumber(f))
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case nil:
		buf.WriteString("null")
	}
	return nil
}

// formatNumber renders f the way JavaScript's Number#toString does.
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[0]
	exp = strings.TrimLeft(exp[1:], "0")
	return mant + "e" + string(sign) + exp
}

func writeString(buf *bytes.Buffer, s string) {
	const hex = "0123456789abcdef"
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hex[r>>4])
				buf.WriteByte(hex[r&0xf])
				continue
			}
			var b [utf8.UTFMax]byte
			n := utf8.EncodeRune(b[:], r)
			buf.Write(b[:n])
		}
	}
	buf.WriteByte('"')
}
