// Package twofactor enrolls and verifies TOTP second factors. Secrets live on
// the user document; codes are checked with one period of skew either way so
// a code typed right at a 30-second boundary still passes.
package twofactor

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/homespace/homespace/pkg/clock"
	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/levenlabs/go-lflag"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// Enrollment is returned from Generate: everything the client needs to show
// the user an authenticator setup screen.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauthURL"`
	// QRPNG is the otpauth URL rendered as a base64-encoded PNG.
	QRPNG string `json:"qrCode"`
}

// Service issues and checks TOTP codes for users.
type Service struct {
	store  storage.Store
	clock  clock.Clock
	issuer string
}

// Configured sets up the service and registers its issuer flag.
func Configured(store storage.Store, clk clock.Clock) *Service {
	issuer := lflag.String("twofactor-issuer", "HomeSpace", "Issuer shown in authenticator apps")
	s := New(store, clk, "HomeSpace")
	lflag.Do(func() {
		s.issuer = *issuer
	})
	return s
}

// New returns a service with a fixed issuer, for callers that do not go
// through flags.
func New(store storage.Store, clk clock.Clock, issuer string) *Service {
	return &Service{store: store, clock: clk, issuer: issuer}
}

// Generate creates a fresh TOTP secret for the user, persists it, and
// returns the enrollment payload. Generating again replaces any previous
// secret; codes from the old one stop validating.
func (s *Service) Generate(ctx context.Context, userID string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: userID,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("failed to generate totp key: %w", err)
	}

	if err := s.store.SetUserSecret(ctx, userID, key.Secret()); err != nil {
		return Enrollment{}, fmt.Errorf("failed to store secret: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrSize)
	if err != nil {
		return Enrollment{}, fmt.Errorf("failed to render qr code: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "2fa secret generated", slog.String("userID", userID))
	return Enrollment{
		Secret: key.Secret(),
		URL:    key.URL(),
		QRPNG:  base64.StdEncoding.EncodeToString(png),
	}, nil
}

// Verify checks a code against the user's stored secret. A user with no
// secret enrolled always fails verification.
func (s *Service) Verify(ctx context.Context, userID, code string) (bool, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load user: %w", err)
	}
	if user.TwoFactorSecret == "" {
		return false, nil
	}

	ok, err := totp.ValidateCustom(code, user.TwoFactorSecret, s.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to validate code: %w", err)
	}
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "2fa code rejected", slog.String("userID", userID))
	}
	return ok, nil
}
