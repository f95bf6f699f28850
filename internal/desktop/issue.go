// Package desktop implements the counterpart side of the relay protocol:
// pairing token issuance and the command-consuming agent loop. The actual
// command execution stays an injected handler; this package only honors the
// wire contract.
package desktop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pairdesk/pairdesk/internal/rtdb"
	"github.com/pairdesk/pairdesk/internal/schema"
	qrcode "github.com/skip2/go-qrcode"
)

// IssueToken mints a fresh single-use pairing token bound to the issuing
// desktop, writes it to the store and returns the record. The validity
// window is fixed at issuance.
func IssueToken(ctx context.Context, rt rtdb.Store, desktopID string, now time.Time) (schema.Token, error) {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	token := schema.Token{
		Token:     schema.TokenPrefix + raw[:16],
		DesktopID: desktopID,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Unix() + schema.TokenTTLSeconds,
	}
	if err := rt.Set(ctx, schema.TokenPath(token.Token), token.Fields()); err != nil {
		return schema.Token{}, fmt.Errorf("write pairing token: %w", err)
	}
	return token, nil
}

// TokenQR renders the token as a terminal-printable QR code for the phone
// camera to scan.
func TokenQR(token string) (string, error) {
	qr, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("render token qr: %w", err)
	}
	return qr.ToSmallString(false), nil
}
