package session

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

var errBadPadding = errors.New("invalid PKCS#7 padding")

// decryptMessage replaces msg.Body with its plaintext when the session
// carries a key and the message an IV. The ciphertext is base64 encoded
// AES-CBC with PKCS#7 padding.
func decryptMessage(session *types.Session, msg *types.Message) error {
	key := session.EncryptionKey
	if key == nil || len(key.Value) == 0 || len(msg.IV) == 0 {
		return nil
	}
	if key.Encrypted {
		return fmt.Errorf("message %d: wrapped session keys are not supported", msg.MessageID)
	}

	plain, err := decryptCBC(key.Value, msg.IV, msg.Body)
	if err != nil {
		return fmt.Errorf("decrypting message %d: %w", msg.MessageID, err)
	}
	msg.Body = string(plain)
	msg.IV = nil
	return nil
}

func decryptCBC(key, iv []byte, body string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("IV length %d, want %d", len(iv), block.BlockSize())
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return unpad(plain, block.BlockSize())
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errBadPadding
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errBadPadding
	}
	return b[:len(b)-n], nil
}
