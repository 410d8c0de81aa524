package render

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// minimalPDF builds a structurally valid PDF with the given number of blank pages.
func minimalPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 200] >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func writePDF(t *testing.T, dir string, pages int) string {
	t.Helper()
	path := filepath.Join(dir, "course.pdf")
	if err := os.WriteFile(path, minimalPDF(pages), 0o600); err != nil {
		t.Fatalf("write pdf: %v", err)
	}
	return path
}

// fakePdftoppm installs a shell script standing in for pdftoppm. It writes
// "page-<n>" into the requested output file and fails for failPage.
func fakePdftoppm(t *testing.T, failPage int) string {
	t.Helper()
	dir := t.TempDir()
	script := fmt.Sprintf(`#!/bin/sh
page=""
ext="png"
prev=""
for a in "$@"; do
  if [ "$prev" = "-f" ]; then page="$a"; fi
  if [ "$a" = "-jpeg" ]; then ext="jpg"; fi
  prev="$a"
  last="$a"
done
if [ "$page" = "%d" ]; then
  echo "Syntax Error: bad page $page" >&2
  exit 99
fi
printf 'page-%%s' "$page" > "$last.$ext"
`, failPage)
	if err := os.WriteFile(filepath.Join(dir, "pdftoppm"), []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return dir
}
