package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// 任务ID字符集：剔除了易混淆的 I/O/0/1
const taskIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GeneratePoolKey 生成服务商密钥池的内部标识 ff_xxx
func GeneratePoolKey() string {
	return "ff_" + randomHex(24)
}

// GenerateUserAPIKey 生成用户API密钥 ffu_xxx
func GenerateUserAPIKey() string {
	return "ffu_" + randomHex(20)
}

// GenerateTaskID 生成任务ID：FFS_XXXXXXX（7位随机字符）
func GenerateTaskID() string {
	b := make([]byte, 7)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(taskIDAlphabet))))
		if err != nil {
			// crypto/rand不可用属于环境级故障
			panic(fmt.Sprintf("rand failed: %v", err))
		}
		b[i] = taskIDAlphabet[n.Int64()]
	}
	return "FFS_" + string(b)
}

// GenerateReferralCode 生成8位推荐码
func GenerateReferralCode() string {
	b := make([]byte, 8)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(taskIDAlphabet))))
		if err != nil {
			panic(fmt.Sprintf("rand failed: %v", err))
		}
		b[i] = taskIDAlphabet[n.Int64()]
	}
	return string(b)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}
