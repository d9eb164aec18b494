package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 200000

// HashPassword 使用PBKDF2-SHA256对密码求哈希
func HashPassword(password, saltHex string) (string, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
	return hex.EncodeToString(dk), nil
}

// MakePassword 生成随机盐并返回 (盐, 哈希)
func MakePassword(password string) (string, string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}
	saltHex := hex.EncodeToString(salt)
	hash, err := HashPassword(password, saltHex)
	if err != nil {
		return "", "", err
	}
	return saltHex, hash, nil
}

// VerifyPassword 常量时间比较密码哈希
func VerifyPassword(password, saltHex, hashHex string) bool {
	computed, err := HashPassword(password, saltHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hashHex)) == 1
}
