package mjpeg

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// newBoundary returns a random multipart boundary token.
func newBoundary() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// contentType is the response header announcing the stream.
func contentType(boundary string) string {
	return "multipart/x-mixed-replace; boundary=" + boundary
}

// writePart writes one boundary-delimited JPEG part and returns the
// number of bytes written.
func writePart(w io.Writer, boundary string, jpg []byte) (int, error) {
	var head bytes.Buffer
	head.Grow(len(boundary) + 64)
	head.WriteString("--")
	head.WriteString(boundary)
	head.WriteString("\r\nContent-Type: image/jpeg\r\nContent-Length: ")
	head.WriteString(strconv.Itoa(len(jpg)))
	head.WriteString("\r\n\r\n")

	total := 0
	for _, chunk := range [][]byte{head.Bytes(), jpg, crlf} {
		n, err := w.Write(chunk)
		total += n
		if err != nil {
			return total, fmt.Errorf("write part: %w", err)
		}
	}
	return total, nil
}

var crlf = []byte("\r\n")

// solidJPEG renders a flat image, used as the placeholder for blocked
// viewers and before the first frame arrives.
func solidJPEG(w, h int, c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60})
	return buf.Bytes()
}
