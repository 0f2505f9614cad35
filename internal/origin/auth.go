package origin

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/vflow/videogate/internal/config"
)

// Presigner produces a presigned URL for rawURL, valid for at least
// 60 s (spec §4.6 step 2, "produces a URL valid for ≥ 60 s"). The
// concrete presigner (S3, R2, or similar) is an external collaborator
// per spec §1; Presigner is the contract the default Signer calls
// through.
type Presigner interface {
	Presign(ctx context.Context, rawURL string) (string, error)
}

// DefaultSigner implements the four auth strategies from spec §3
// Source.auth: none, query-token, header-token, and presigned (via an
// injected Presigner).
type DefaultSigner struct {
	Presigner Presigner
}

// Apply mutates req in place according to auth.Kind.
func (d *DefaultSigner) Apply(ctx context.Context, req *http.Request, auth config.AuthConfig) error {
	switch auth.Kind {
	case "", "none":
		return nil
	case "query-token":
		token := os.Getenv(auth.TokenEnv)
		q := req.URL.Query()
		q.Set("token", token)
		req.URL.RawQuery = q.Encode()
		return nil
	case "header-token":
		header := auth.HeaderName
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, os.Getenv(auth.TokenEnv))
		return nil
	case "presigned":
		if d.Presigner == nil {
			return fmt.Errorf("auth kind %q configured but no presigner wired", auth.Kind)
		}
		signed, err := d.Presigner.Presign(ctx, req.URL.String())
		if err != nil {
			return fmt.Errorf("presigning %s: %w", req.URL.String(), err)
		}
		newURL, err := req.URL.Parse(signed)
		if err != nil {
			return fmt.Errorf("parsing presigned URL: %w", err)
		}
		req.URL = newURL
		return nil
	default:
		return fmt.Errorf("unknown auth kind %q", auth.Kind)
	}
}
