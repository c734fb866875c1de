package session

import (
	"fmt"
	"io"

	qrcode "github.com/skip2/go-qrcode"
)

// PrintQR renders code as a small terminal QR code onto w, for the
// printQrInTerminal adapter config option. It never returns an error to
// the caller of handleQR; rendering failures are logged by the caller
// instead, keeping the session live.
func PrintQR(w io.Writer, code string) error {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, qr.ToSmallString(false))
	return err
}
