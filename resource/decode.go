package resource

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"
	"net/http"
	"time"

	// Texture decoders. stdlib covers png/jpeg/gif; x/image adds the rest.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/go-text/typesetting/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/orinium-browser/renderer/protocol"
)

// maxFetchBytes bounds a single URL-sourced resource.
const maxFetchBytes = 128 << 20

// fetchTimeout bounds a URL fetch end to end.
const fetchTimeout = 30 * time.Second

// decoded is the CPU-side result of a load, awaiting upload.
type decoded struct {
	// Texture kind: tightly packed RGBA8 rows.
	width, height int
	pixels        []byte

	// Font kind: parsed face.
	face *font.Font

	byteSize int64
}

// decode turns raw bytes into a decoded resource according to kind.
func decode(kind protocol.ResourceKind, data []byte) (*decoded, error) {
	switch kind {
	case protocol.ResourceTexture:
		return decodeTexture(data)
	case protocol.ResourceFont:
		return decodeFont(data)
	default:
		return nil, fmt.Errorf("resource: unknown kind %d", kind)
	}
}

func decodeTexture(data []byte) (*decoded, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("resource: texture decode: %w", err)
	}

	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	return &decoded{
		width:    b.Dx(),
		height:   b.Dy(),
		pixels:   rgba.Pix,
		byteSize: int64(len(rgba.Pix)),
	}, nil
}

func decodeFont(data []byte) (*decoded, error) {
	face, err := font.ParseTTF(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("resource: font parse: %w", err)
	}
	return &decoded{
		face:     face.Font,
		byteSize: int64(len(data)),
	}, nil
}

// fetch retrieves a URL-sourced resource's bytes.
func fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("resource: fetch %s: %w", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resource: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resource: fetch %s: status %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("resource: fetch %s: %w", url, err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("resource: fetch %s: exceeds %d bytes", url, maxFetchBytes)
	}
	return data, nil
}

// placeholderPixels is the 1x1 opaque magenta texture substituted for
// failed or stale texture references.
var placeholderPixels = []byte{0xff, 0x00, 0xff, 0xff}

// placeholderFont parses the embedded goregular face used for failed or
// stale font references.
func placeholderFont() (*font.Font, error) {
	face, err := font.ParseTTF(bytes.NewReader(goregular.TTF))
	if err != nil {
		return nil, fmt.Errorf("resource: embedded fallback font: %w", err)
	}
	return face.Font, nil
}
