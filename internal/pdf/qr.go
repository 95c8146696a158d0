package pdf

import (
	"github.com/skip2/go-qrcode"
)

// QREncoder renders verification links as PNG QR codes.
type QREncoder struct {
	Size int
}

// NewQREncoder creates an encoder producing size x size pixel images.
func NewQREncoder(size int) *QREncoder {
	if size <= 0 {
		size = 256
	}
	return &QREncoder{Size: size}
}

func (e *QREncoder) Encode(text string) ([]byte, error) {
	return qrcode.Encode(text, qrcode.Medium, e.Size)
}
