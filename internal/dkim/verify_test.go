package dkim

import (
	"strings"
	"testing"

	msgdkim "github.com/emersion/go-msgauth/dkim"

	"github.com/relaykit/relaykit/internal/mail"
)

// TestSignatureVerifies signs a rendered message and checks it against
// an independent RFC 6376 verifier, resolving the selector record from
// the freshly generated public key.
func TestSignatureVerifies(t *testing.T) {
	pair, err := GenerateKeys(1024)
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}

	signer, err := NewSigner(stripGuards(pair.Private), "mail", "example.com")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	msg, err := mail.New("bob@example.org", "Verification test",
		[]byte("Hello DKIM verification."), mail.TextPlain)
	if err != nil {
		t.Fatalf("mail.New: %v", err)
	}
	msg.SetFrom("alice@example.com")

	sig, err := signer.Sign(msg.SignableHeaders(), string(msg.Content()))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	msg.SetDKIMSignature(sig)

	rendered, _, err := msg.Render(mail.DropMissing)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	verifications, err := msgdkim.VerifyWithOptions(strings.NewReader(string(rendered)),
		&msgdkim.VerifyOptions{
			LookupTXT: func(domain string) ([]string, error) {
				if domain != "mail._domainkey.example.com" {
					t.Errorf("unexpected selector lookup: %s", domain)
				}
				return []string{DNSRecord(pair.Public)}, nil
			},
		})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(verifications) != 1 {
		t.Fatalf("expected 1 verification, got %d", len(verifications))
	}
	v := verifications[0]
	if v.Err != nil {
		t.Errorf("signature did not verify: %v", v.Err)
	}
	if v.Domain != "example.com" {
		t.Errorf("verified domain = %q, want example.com", v.Domain)
	}
}

// TestSignatureCoversBody confirms that tampering with the rendered body
// breaks verification.
func TestSignatureCoversBody(t *testing.T) {
	pair, err := GenerateKeys(1024)
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	signer, err := NewSigner(stripGuards(pair.Private), "mail", "example.com")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	msg, err := mail.New("bob@example.org", "Tamper test",
		[]byte("original body"), mail.TextPlain)
	if err != nil {
		t.Fatalf("mail.New: %v", err)
	}
	msg.SetFrom("alice@example.com")

	sig, err := signer.Sign(msg.SignableHeaders(), string(msg.Content()))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	msg.SetDKIMSignature(sig)

	rendered, _, err := msg.Render(mail.DropMissing)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	tampered := strings.Replace(string(rendered), "original body", "tampered body", 1)

	verifications, err := msgdkim.VerifyWithOptions(strings.NewReader(tampered),
		&msgdkim.VerifyOptions{
			LookupTXT: func(domain string) ([]string, error) {
				return []string{DNSRecord(pair.Public)}, nil
			},
		})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(verifications) != 1 || verifications[0].Err == nil {
		t.Error("tampered body still verified")
	}
}
