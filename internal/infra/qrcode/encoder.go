// Package qrcode renders access links as PNG QR codes.
package qrcode

import (
	"errors"
	"strings"

	skipqrcode "github.com/skip2/go-qrcode"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
)

var _ adapter.QREncoder = Encoder{}

const defaultSize = 512

// Encoder uses medium error correction, which keeps long subscription
// URLs scannable from a phone screen.
type Encoder struct{}

func (Encoder) Encode(content string, size int) ([]byte, error) {
	if strings.TrimSpace(content) == "" {
		return nil, domain.Invalid(domain.ErrInvalidArgument, "qr content is empty")
	}
	if size <= 0 {
		size = defaultSize
	}
	png, err := skipqrcode.Encode(content, skipqrcode.Medium, size)
	if err != nil {
		return nil, errors.Join(domain.ErrOperationFailed, err)
	}
	return png, nil
}
