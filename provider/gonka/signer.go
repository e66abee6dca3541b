package gonka

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/ripemd160"
)

// AddressPrefix is the bech32 human-readable part of Gonka addresses.
const AddressPrefix = "gonka"

// Signer signs request bodies for one Gonka account.
type Signer struct {
	key      *secp256k1.PrivateKey
	address  string
	transfer string
}

// NewSigner parses a hex-encoded secp256k1 private key (optionally 0x
// prefixed). transferAddress is the bech32 address of the node the
// requests are sent to; it is part of every signed message.
func NewSigner(hexKey, transferAddress string) (*Signer, error) {
	key, err := parsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	addr, err := deriveAddress(key)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, address: addr, transfer: transferAddress}, nil
}

// Address returns the requester address derived from the key.
func (s *Signer) Address() string { return s.address }

// Sign returns base64(r || s) of an ECDSA signature over
// SHA256(hex(SHA256(body)) + timestamp + transferAddress).
func (s *Signer) Sign(body []byte, tsNanos int64) string {
	bodyHash := sha256.Sum256(body)
	message := hex.EncodeToString(bodyHash[:]) + strconv.FormatInt(tsNanos, 10) + s.transfer
	digest := sha256.Sum256([]byte(message))

	// RFC6979 deterministic, low-S. The first byte is the recovery flag.
	compact := ecdsa.SignCompact(s.key, digest[:], false)
	return base64.StdEncoding.EncodeToString(compact[1:65])
}

func parsePrivateKey(hexKey string) (*secp256k1.PrivateKey, error) {
	hexKey = strings.TrimSpace(hexKey)
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")

	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("gonka: invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("gonka: private key must be 32 bytes, got %d", len(raw))
	}

	key := secp256k1.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("gonka: private key is zero")
	}
	return key, nil
}

// deriveAddress: compressed pubkey → SHA256 → RIPEMD160 → bech32.
func deriveAddress(key *secp256k1.PrivateKey) (string, error) {
	sha := sha256.Sum256(key.PubKey().SerializeCompressed())

	h := ripemd160.New()
	h.Write(sha[:])
	data, err := regroup(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode(AddressPrefix, data), nil
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var bech32Gen = [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}

// bech32Encode encodes 5-bit groups under hrp (BIP-173).
func bech32Encode(hrp string, data []byte) string {
	values := make([]byte, 0, 2*len(hrp)+1+len(data)+6)
	for i := 0; i < len(hrp); i++ {
		values = append(values, hrp[i]>>5)
	}
	values = append(values, 0)
	for i := 0; i < len(hrp); i++ {
		values = append(values, hrp[i]&31)
	}
	values = append(values, data...)
	values = append(values, 0, 0, 0, 0, 0, 0)

	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i, g := range bech32Gen {
			if (top>>uint(i))&1 == 1 {
				chk ^= g
			}
		}
	}
	chk ^= 1

	var b strings.Builder
	b.Grow(len(hrp) + 1 + len(data) + 6)
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range data {
		b.WriteByte(bech32Charset[v])
	}
	for i := 0; i < 6; i++ {
		b.WriteByte(bech32Charset[(chk>>uint(5*(5-i)))&31])
	}
	return b.String()
}

// regroup converts a byte slice between bit group widths.
func regroup(data []byte, from, to uint, pad bool) ([]byte, error) {
	var (
		acc  uint32
		bits uint
		out  []byte
	)
	maxv := uint32(1)<<to - 1

	for _, b := range data {
		if uint32(b)>>from != 0 {
			return nil, fmt.Errorf("gonka: bech32: invalid data byte %d", b)
		}
		acc = acc<<from | uint32(b)
		bits += from
		for bits >= to {
			bits -= to
			out = append(out, byte(acc>>bits&maxv))
		}
	}

	switch {
	case pad && bits > 0:
		out = append(out, byte(acc<<(to-bits)&maxv))
	case !pad && bits >= from:
		return nil, fmt.Errorf("gonka: bech32: excess padding")
	case !pad && acc<<(to-bits)&maxv != 0:
		return nil, fmt.Errorf("gonka: bech32: non-zero padding")
	}
	return out, nil
}

// signingTransport signs each request body and sets the Gonka headers.
// Any bearer token set by the wrapped client is replaced.
type signingTransport struct {
	base   http.RoundTripper
	signer *Signer
	now    func() time.Time
}

// RoundTrip implements http.RoundTripper.
func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("gonka: read request body: %w", err)
		}
	}

	ts := t.now().UnixNano()

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", t.signer.Sign(body, ts))
	clone.Header.Set("X-Requester-Address", t.signer.Address())
	clone.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))

	return t.base.RoundTrip(clone)
}
