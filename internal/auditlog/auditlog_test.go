package auditlog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fixedLog(t *testing.T, name string) *Log {
	t.Helper()
	l := New(filepath.Join(t.TempDir(), "logs", name), zerolog.Nop())
	l.now = func() time.Time { return time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC) }
	return l
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func TestStatusLine(t *testing.T) {
	l := fixedLog(t, "status.txt")
	l.Status("scan.zip", StatusSuccess, "")
	l.Status("scan (1).zip", StatusSkippedDup, "original=scan.zip")
	lines := readLines(t, l.Path())
	want := []string{
		"[2025-01-31 10:00:00] scan.zip -> SUCCESS",
		"[2025-01-31 10:00:00] scan (1).zip -> SKIPPED_DUPMD5 | original=scan.zip",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestConcurrentAppendsKeepWholeLines(t *testing.T) {
	l := fixedLog(t, "ocr.txt")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Outcome(StatusSuccess, "report.pdf", "DR and GL saved")
		}()
	}
	wg.Wait()
	lines := readLines(t, l.Path())
	if len(lines) != 50 {
		t.Fatalf("expected 50 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if line != "[2025-01-31 10:00:00] SUCCESS report.pdf | DR and GL saved" {
			t.Fatalf("corrupted line %q", line)
		}
	}
}

func TestIncidentRoundTrip(t *testing.T) {
	l := fixedLog(t, "malicious.log")
	l.Incident(Incident{Zip: "a.zip", User: "nurse", IP: "10.0.0.1", Reason: "path_traversal", Entry: "../../etc/passwd"})
	l.Incident(Incident{Zip: "b.zip", Reason: "type_mismatch", Expected: "pdf", Detected: "pe", Entry: "Jane_1_2025-01-01/my report.pdf"})

	lines := readLines(t, l.Path())
	if lines[0] != "[2025-01-31T10:00:00.000000Z] zip=a.zip user=nurse ip=10.0.0.1 reason=path_traversal entry=../../etc/passwd" {
		t.Fatalf("unexpected incident line %q", lines[0])
	}

	rep, err := ReadIncidentReport(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Total != 2 {
		t.Fatalf("expected 2 incidents, got %d", rep.Total)
	}
	newest := rep.Incidents[0]
	if newest.Zip != "b.zip" || newest.User != "-" || newest.Expected != "pdf" || newest.Detected != "pe" {
		t.Fatalf("unexpected newest incident %+v", newest)
	}
	if newest.Entry != "Jane_1_2025-01-01/my report.pdf" {
		t.Fatalf("entry with spaces not preserved: %q", newest.Entry)
	}
}

func TestIncidentEntryCannotForgeLines(t *testing.T) {
	l := fixedLog(t, "malicious.log")
	forged := "Jane_1_2025/a\n[2025-01-31T10:00:00.000000Z] zip=other.zip user=drsmith ip=10.9.9.9 reason=path_traversal entry=x.exe"
	l.Incident(Incident{Zip: "scan (1).zip", User: "tech", IP: "10.0.0.2", Reason: "disallowed_file", Entry: forged})

	lines := readLines(t, l.Path())
	if len(lines) != 1 {
		t.Fatalf("expected one line per incident, got %d: %q", len(lines), lines)
	}
	rep, err := ReadIncidentReport(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Total != 1 {
		t.Fatalf("expected 1 incident, got %+v", rep.Incidents)
	}
	in := rep.Incidents[0]
	if in.Zip != "scan (1).zip" || in.User != "tech" || in.IP != "10.0.0.2" || in.Reason != "disallowed_file" {
		t.Fatalf("fields taken from the entry name: %+v", in)
	}
	if !strings.HasPrefix(in.Entry, `Jane_1_2025/a\n[`) {
		t.Fatalf("entry not escaped: %q", in.Entry)
	}
}

func TestStatusEscapesControlCharacters(t *testing.T) {
	l := fixedLog(t, "status.txt")
	l.Status("evil\n.zip", StatusDeletedBadZip, "disallowed file type (a\r\n[2025-01-31 10:00:00] good.zip -> SUCCESS)")
	lines := readLines(t, l.Path())
	if len(lines) != 1 {
		t.Fatalf("expected a single status line, got %q", lines)
	}
	want := `[2025-01-31 10:00:00] evil\n.zip -> DELETED_BADZIP | disallowed file type (a\r\n[2025-01-31 10:00:00] good.zip -> SUCCESS)`
	if lines[0] != want {
		t.Fatalf("line = %q, want %q", lines[0], want)
	}
}

func TestParseIncidentsToleratesGarbage(t *testing.T) {
	input := strings.Join([]string{
		"garbage without timestamp",
		"[2023-01-01 12:00:00] zip=test.zip user=testuser ip=127.0.0.1 reason=invalid_path entry=../malicious.exe",
		"[truncated",
		"[2023-01-02 12:00:00] zip=x.zip",
		"",
	}, "\n")
	got, err := ParseIncidents(strings.NewReader(input), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 parsed incidents, got %d: %+v", len(got), got)
	}
	if got[0].Zip != "x.zip" || got[0].User != "-" || got[0].Reason != "-" || got[0].Entry != "" {
		t.Fatalf("defaults not applied: %+v", got[0])
	}
	if got[1].IP != "127.0.0.1" {
		t.Fatalf("unexpected ip %q", got[1].IP)
	}
}

func TestParseIncidentsKeepsTail(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString("[t] zip=z" + string(rune('0'+i)) + ".zip reason=r entry=e\n")
	}
	got, _ := ParseIncidents(strings.NewReader(b.String()), 2)
	if len(got) != 2 || got[0].Zip != "z4.zip" || got[1].Zip != "z3.zip" {
		t.Fatalf("unexpected tail %+v", got)
	}
}

func TestIncidentReportTopCounts(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString((Incident{Time: "t", Zip: "a.zip", User: "alice", IP: "1.1.1.1", Reason: "disallowed_file", Entry: "x"}).Line() + "\n")
	}
	b.WriteString((Incident{Time: "t", Zip: "b.zip", User: "bob", IP: "2.2.2.2", Reason: "path_traversal", Entry: "y"}).Line() + "\n")
	path := filepath.Join(t.TempDir(), "m.log")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}
	rep, err := ReadIncidentReport(path)
	if err != nil {
		t.Fatal(err)
	}
	if rep.TopUsers[0] != (Count{Key: "alice", Count: 3}) || rep.TopReasons[1] != (Count{Key: "path_traversal", Count: 1}) {
		t.Fatalf("unexpected kpis %+v %+v", rep.TopUsers, rep.TopReasons)
	}
}

func TestMissingIncidentLog(t *testing.T) {
	rep, err := ReadIncidentReport(filepath.Join(t.TempDir(), "none.log"))
	if err != nil || !rep.Missing || rep.Total != 0 {
		t.Fatalf("expected empty missing report, got %+v (%v)", rep, err)
	}
}

func TestSidecar(t *testing.T) {
	dir := t.TempDir()
	if got := ReadSidecar(dir, "a.zip"); got.UploaderUsername != "-" || got.IP != "-" {
		t.Fatalf("expected dash defaults, got %+v", got)
	}
	meta := UploadMeta{Filename: "a.zip", UploaderUsername: "nurse", IP: "10.1.1.1"}
	if err := WriteSidecar(dir, "a.zip", meta); err != nil {
		t.Fatal(err)
	}
	if got := ReadSidecar(dir, "a.zip"); got.UploaderUsername != "nurse" || got.IP != "10.1.1.1" {
		t.Fatalf("unexpected sidecar %+v", got)
	}
	if err := RemoveSidecar(dir, "a.zip"); err != nil {
		t.Fatal(err)
	}
	if err := RemoveSidecar(dir, "a.zip"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}
