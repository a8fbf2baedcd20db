package custody

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"
)

// authorityTag domain-separates escrow vault authorities from any other
// Keccak use on the platform.
const authorityTag = "dealshield/escrow/v1"

// DeriveAuthority computes the vault authority token for an escrow identified
// by its immutable fields plus the per-record salt. The token is never stored
// as a secret: it is recomputed at every authorization check and compared
// against the authority registered on the vault.
func DeriveAuthority(buyer, seller, listingID string, bump byte) []byte {
	return crypto.Keccak256(
		[]byte(authorityTag),
		[]byte(normalize(buyer)),
		[]byte(normalize(seller)),
		[]byte(listingID),
		[]byte{bump},
	)
}

// VaultAddress names the custody location controlled by an authority token.
func VaultAddress(token []byte) string {
	return "vault_" + hex.EncodeToString(token[:20])
}

// NewBump returns a random salt for authority derivation.
func NewBump() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b[0]
}
