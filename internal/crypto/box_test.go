package crypto

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	alice, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	bob, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	sendBox, err := NewBox(alice.Secret[:], bob.Public[:])
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	recvBox, err := NewBox(bob.Secret[:], alice.Public[:])
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	for _, msg := range [][]byte{
		[]byte("ok\n"),
		{},
		bytes.Repeat([]byte{0xAB}, 4096),
	} {
		nonce, ct, err := sendBox.Seal(msg)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		pt, err := recvBox.Open(nonce[:], ct)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(pt, msg) {
			t.Fatalf("round trip mismatch: got %q want %q", pt, msg)
		}
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	alice, _ := GenerateKeypair()
	bob, _ := GenerateKeypair()
	sendBox, _ := NewBox(alice.Secret[:], bob.Public[:])
	recvBox, _ := NewBox(bob.Secret[:], alice.Public[:])

	nonce, ct, err := sendBox.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	flippedCT := append([]byte(nil), ct...)
	flippedCT[0] ^= 0x01
	if _, err := recvBox.Open(nonce[:], flippedCT); err != ErrAuthFailure {
		t.Fatalf("flipped ciphertext bit: got %v, want ErrAuthFailure", err)
	}

	flippedNonce := append([]byte(nil), nonce[:]...)
	flippedNonce[0] ^= 0x01
	if _, err := recvBox.Open(flippedNonce, ct); err != ErrAuthFailure {
		t.Fatalf("flipped nonce bit: got %v, want ErrAuthFailure", err)
	}

	if _, err := recvBox.Open(nonce[:], ct[:len(ct)-1]); err != ErrAuthFailure {
		t.Fatalf("truncated ciphertext: got %v, want ErrAuthFailure", err)
	}
}

func TestOpenRejectsCrossSessionCiphertext(t *testing.T) {
	alice, _ := GenerateKeypair()
	bob, _ := GenerateKeypair()
	mallory, _ := GenerateKeypair()

	sendBox, _ := NewBox(alice.Secret[:], bob.Public[:])
	wrongBox, _ := NewBox(mallory.Secret[:], alice.Public[:])

	nonce, ct, err := sendBox.Seal([]byte("for bob only"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := wrongBox.Open(nonce[:], ct); err != ErrAuthFailure {
		t.Fatalf("misrouted ciphertext: got %v, want ErrAuthFailure", err)
	}
}

func TestKeypairFromSecretDerivesSamePublic(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	rebuilt, err := KeypairFromSecret(kp.Secret[:])
	if err != nil {
		t.Fatalf("rebuild keypair: %v", err)
	}
	if rebuilt.Public != kp.Public {
		t.Fatal("derived public key must match the minted one")
	}

	if _, err := KeypairFromSecret([]byte{1, 2, 3}); err != ErrInvalidKey {
		t.Fatalf("short secret: got %v, want ErrInvalidKey", err)
	}
}

func TestNonceFreshnessAcrossSeals(t *testing.T) {
	alice, _ := GenerateKeypair()
	bob, _ := GenerateKeypair()
	sendBox, _ := NewBox(alice.Secret[:], bob.Public[:])

	seenNonces := make(map[[NonceSize]byte]struct{})
	for i := 0; i < 64; i++ {
		nonce, _, err := sendBox.Seal([]byte("same plaintext"))
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if _, dup := seenNonces[nonce]; dup {
			t.Fatal("nonce reused across seals")
		}
		seenNonces[nonce] = struct{}{}
	}
}
