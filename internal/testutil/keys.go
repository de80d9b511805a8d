package testutil

import (
	"bytes"

	"github.com/mbd888/smokypay/internal/strkey"
)

// Address returns a deterministic, checksum-valid G... account id for n.
func Address(n byte) string {
	kp, err := strkey.FromReader(bytes.NewReader(bytes.Repeat([]byte{n}, 32)))
	if err != nil {
		panic("testutil: " + err.Error())
	}
	return kp.Address
}

// ContractID returns a deterministic, checksum-valid C... contract id for n.
func ContractID(n byte) string {
	id, err := strkey.Encode(strkey.VersionContract, bytes.Repeat([]byte{n}, 32))
	if err != nil {
		panic("testutil: " + err.Error())
	}
	return id
}

// TxHash returns a deterministic 64-char hex transaction hash for n.
func TxHash(n byte) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, 64)
	for i := range b {
		b[i] = hexdigits[(int(n)+i)%16]
	}
	return string(b)
}
