package signing

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSigner(t *testing.T) {
	s := NewSigner([]byte("topsecret"), time.Minute)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	sig := s.Sign("glaucoma/42_GL_Page3.pdf", 1700000030)
	if len(sig) == 0 {
		t.Fatalf("expected signature")
	}
	if !s.Validate("glaucoma/42_GL_Page3.pdf", "1700000030", sig) {
		t.Fatalf("expected signature to validate")
	}
	if s.Validate("dr/42_GL_Page3.pdf", "1700000030", sig) {
		t.Fatalf("expected validation to fail for another resource")
	}
	if s.Validate("glaucoma/42_GL_Page3.pdf", "1700000031", sig) {
		t.Fatalf("expected validation to fail for wrong expiry")
	}
	if s.Validate("glaucoma/42_GL_Page3.pdf", "soon", sig) {
		t.Fatalf("expected validation to fail for garbage expiry")
	}
}

func TestSignURLExpires(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewSigner([]byte("topsecret"), 5*time.Minute)
	s.now = func() time.Time { return now }

	link, exp := s.SignURL("/reports/dr/a.pdf", "dr/a.pdf")
	if !exp.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	path, raw, ok := strings.Cut(link, "?")
	if !ok || path != "/reports/dr/a.pdf" {
		t.Fatalf("unexpected link %q", link)
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Validate("dr/a.pdf", q.Get(ParamExpires), q.Get(ParamSignature)) {
		t.Fatal("fresh link should validate")
	}

	now = now.Add(6 * time.Minute)
	if s.Validate("dr/a.pdf", q.Get(ParamExpires), q.Get(ParamSignature)) {
		t.Fatal("expired link should not validate")
	}
}
