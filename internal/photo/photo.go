// Package photo classifies and prepares user avatar images.
//
// The directory serves generated placeholder avatars for accounts that
// never uploaded a picture; those must not count as customized photos
// when deciding whether to overwrite them. Classification first looks
// at the URL shape and only downloads the image when the URL alone is
// inconclusive.
package photo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/chansync-io/chansync-ce/internal/model"
)

// maxDownload bounds avatar downloads; profile images are small.
const maxDownload = 8 << 20

// anonymousHosts serve the stock placeholder avatars.
var anonymousHosts = []string{
	"secure.gravatar.com",
	"gravatar.com",
}

// Classifier decides whether a remote user's avatar is a real upload or
// a generated placeholder.
type Classifier struct {
	client *http.Client
}

func NewClassifier() *Classifier {
	return &Classifier{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// ClassifyURL inspects only the URL. It returns ImageUnknown when
// the URL gives no verdict and the image bytes would be needed.
func ClassifyURL(imageURL string) model.ImageKind {
	if imageURL == "" {
		return model.ImageNone
	}
	u, err := url.Parse(imageURL)
	if err != nil {
		return model.ImageUnknown
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range anonymousHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			// Gravatar redirects to the workspace default image via
			// the d= parameter; a direct hash hit is a real avatar.
			if u.Query().Get("d") != "" {
				return model.ImageAnonymous
			}
			return model.ImageUnknown
		}
	}
	return model.ImageCustomized
}

// Classify resolves the avatar kind for one remote user, downloading
// and decoding the image only when the URL is inconclusive.
func (c *Classifier) Classify(ctx context.Context, imageURL string) (model.ImageKind, error) {
	kind := ClassifyURL(imageURL)
	if kind != model.ImageUnknown {
		return kind, nil
	}
	data, err := c.fetch(ctx, imageURL)
	if err != nil {
		return model.ImageUnknown, err
	}
	anon, err := looksAnonymous(data)
	if err != nil {
		return model.ImageUnknown, err
	}
	if anon {
		return model.ImageAnonymous, nil
	}
	return model.ImageCustomized, nil
}

func (c *Classifier) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch avatar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch avatar: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownload))
}

// looksAnonymous reports whether the image is a flat two-tone
// placeholder. Generated avatars are a single background color with a
// glyph on top, so a heavily downscaled copy collapses to very few
// distinct colors; photographs do not.
func looksAnonymous(data []byte) (bool, error) {
	image, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return false, fmt.Errorf("decode avatar: %w", err)
	}
	defer image.Close()

	if image.Width() <= 0 || image.Height() <= 0 {
		return false, nil
	}
	scale := 8.0 / float64(image.Width())
	if scale < 1.0 {
		if err := image.Resize(scale, vips.KernelLanczos3); err != nil {
			return false, fmt.Errorf("resize avatar: %w", err)
		}
	}
	if err := image.ToColorSpace(vips.InterpretationSRGB); err != nil {
		return false, fmt.Errorf("normalize avatar: %w", err)
	}
	pixels, err := image.ToBytes()
	if err != nil {
		return false, fmt.Errorf("read avatar pixels: %w", err)
	}

	bands := image.Bands()
	if bands <= 0 {
		return false, nil
	}
	colors := map[[3]uint8]struct{}{}
	for i := 0; i+bands <= len(pixels); i += bands {
		// Quantize to 32 levels per band so JPEG noise does not
		// inflate the count.
		var c [3]uint8
		for b := 0; b < 3 && b < bands; b++ {
			c[b] = pixels[i+b] >> 3
		}
		colors[c] = struct{}{}
	}
	return len(colors) <= 4, nil
}
