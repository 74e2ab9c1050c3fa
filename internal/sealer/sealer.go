// Package sealer 把设备标识加密成写入包内的不透明数据
//
// 使用 age X25519: 只有持有对应私钥的一方 (设备端的校验程序) 能解开，
// 输出为标准 base64 字符串，可以直接放进 python 源码的字符串字面量。
package sealer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// ErrIncomplete 设备标识缺少字段
var ErrIncomplete = errors.New("sealer: incomplete device identity")

// DeviceIdentity 写入 UID 的四元组
type DeviceIdentity struct {
	CPU   string
	PM3   string
	STM32 string
	Type  string
}

// String 序列化为 id_cpu,id_pm3,id_stm32,id_type
func (d DeviceIdentity) String() string {
	return strings.Join([]string{d.CPU, d.PM3, d.STM32, d.Type}, ",")
}

func (d DeviceIdentity) validate() error {
	if d.CPU == "" || d.PM3 == "" || d.STM32 == "" || d.Type == "" {
		return ErrIncomplete
	}
	return nil
}

type Sealer interface {
	Seal(id DeviceIdentity) (string, error)
}

// AgeSealer 加密给一个或多个 age 收件人
type AgeSealer struct {
	recipients []age.Recipient
}

func NewAgeSealer(recipientKeys ...string) (*AgeSealer, error) {
	if len(recipientKeys) == 0 {
		return nil, errors.New("sealer: at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return &AgeSealer{recipients: recipients}, nil
}

func (s *AgeSealer) Seal(id DeviceIdentity) (string, error) {
	if err := id.validate(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, s.recipients...)
	if err != nil {
		return "", fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := io.WriteString(writer, id.String()); err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open 解密 Seal 的输出，供校验工具使用
func Open(sealed, identityKey string) (DeviceIdentity, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(identityKey))
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("parse identity: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("decode: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("decrypt: %w", err)
	}
	plain, err := io.ReadAll(reader)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("read: %w", err)
	}

	parts := strings.Split(string(plain), ",")
	if len(parts) != 4 {
		return DeviceIdentity{}, ErrIncomplete
	}
	return DeviceIdentity{CPU: parts[0], PM3: parts[1], STM32: parts[2], Type: parts[3]}, nil
}
