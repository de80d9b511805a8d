// Package strkey encodes and decodes Stellar "strkey" identifiers
// (G... account ids, S... secret seeds, C... contract ids) and generates
// ed25519 account keypairs.
package strkey

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// VersionByte identifies the kind of key a strkey carries.
type VersionByte byte

const (
	VersionAccountID VersionByte = 6 << 3  // G...
	VersionSeed      VersionByte = 18 << 3 // S...
	VersionContract  VersionByte = 2 << 3  // C...
)

// EncodedLen is the length of an encoded 32-byte strkey.
const EncodedLen = 56

var (
	ErrInvalidLength   = errors.New("strkey: invalid length")
	ErrInvalidEncoding = errors.New("strkey: invalid base32 encoding")
	ErrInvalidVersion  = errors.New("strkey: unexpected version byte")
	ErrInvalidChecksum = errors.New("strkey: checksum mismatch")
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode produces the strkey for a 32-byte payload.
func Encode(version VersionByte, payload []byte) (string, error) {
	if len(payload) != 32 {
		return "", ErrInvalidLength
	}
	raw := make([]byte, 0, 35)
	raw = append(raw, byte(version))
	raw = append(raw, payload...)
	var sum [2]byte
	binary.LittleEndian.PutUint16(sum[:], crc16(raw))
	raw = append(raw, sum[:]...)
	return encoding.EncodeToString(raw), nil
}

// Decode returns the payload of a strkey after checking version and checksum.
func Decode(version VersionByte, s string) ([]byte, error) {
	if len(s) != EncodedLen {
		return nil, ErrInvalidLength
	}
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if len(raw) != 35 {
		return nil, ErrInvalidLength
	}
	if VersionByte(raw[0]) != version {
		return nil, ErrInvalidVersion
	}
	body, sum := raw[:33], raw[33:]
	var want [2]byte
	binary.LittleEndian.PutUint16(want[:], crc16(body))
	if !bytes.Equal(sum, want[:]) {
		return nil, ErrInvalidChecksum
	}
	return append([]byte(nil), raw[1:33]...), nil
}

// IsValidAccountID reports whether s is a well-formed G... address.
func IsValidAccountID(s string) bool {
	_, err := Decode(VersionAccountID, s)
	return err == nil
}

// IsValidContractID reports whether s is a well-formed C... contract id.
func IsValidContractID(s string) bool {
	_, err := Decode(VersionContract, s)
	return err == nil
}

// Keypair holds an encoded account id and its secret seed.
type Keypair struct {
	Address string
	Seed    string
}

// Random generates a new ed25519 account keypair.
func Random() (*Keypair, error) {
	return FromReader(rand.Reader)
}

// FromReader generates a keypair from the given entropy source.
func FromReader(r io.Reader) (*Keypair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("strkey: read entropy: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	address, err := Encode(VersionAccountID, priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	encoded, err := Encode(VersionSeed, seed)
	if err != nil {
		return nil, err
	}
	return &Keypair{Address: address, Seed: encoded}, nil
}

// AddressFromSeed derives the G... address for an S... seed.
func AddressFromSeed(seed string) (string, error) {
	raw, err := Decode(VersionSeed, seed)
	if err != nil {
		return "", err
	}
	pub := ed25519.NewKeyFromSeed(raw).Public().(ed25519.PublicKey)
	return Encode(VersionAccountID, pub)
}

// crc16 is CRC-16/XMODEM (poly 0x1021, init 0).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
