package s3storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dharsanguruparan/retina-intake/internal/config"
)

func TestPresignReportURL(t *testing.T) {
	s, err := New(&config.Config{
		S3Endpoint:    "localhost:9000",
		S3AccessKey:   "minio",
		S3SecretKey:   "minio123",
		S3Region:      "us-east-1",
		ReportsBucket: "reports",
	})
	if err != nil {
		t.Fatal(err)
	}
	// A configured region means presigning needs no round trip.
	u, err := s.PresignReportURL(context.Background(), "glaucoma", "42_Jane_GL_Page3.pdf", 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(u, "/reports/glaucoma/42_Jane_GL_Page3.pdf") || !strings.Contains(u, "X-Amz-Signature=") {
		t.Fatalf("unexpected url %s", u)
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("dr", "a.pdf"); got != "dr/a.pdf" {
		t.Fatalf("got %q", got)
	}
}
