package driver

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/fruitsalade/sfgrid/internal/storage/blob"
	"github.com/fruitsalade/sfgrid/internal/structfile"
)

type member struct {
	name string
	kind structfile.EntryKind
	body string
}

func scenarioMembers() []member {
	return []member{
		{name: "a.txt", kind: structfile.KindFile, body: strings.Repeat("a", 100)},
		{name: "sub/", kind: structfile.KindDir},
		{name: "sub/b.txt", kind: structfile.KindFile, body: strings.Repeat("b", 50)},
	}
}

func manyMembers(n int) []member {
	out := make([]member, n)
	for i := range out {
		out[i] = member{name: fmt.Sprintf("dir/file-%03d.dat", i), kind: structfile.KindFile, body: strings.Repeat("x", i)}
	}
	return out
}

// buildTar writes members as a ustar archive and returns it together with
// the offset of each member's header block.
func buildTar(t *testing.T, members []member) ([]byte, []int) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	offsets := make([]int, 0, len(members))

	for _, m := range members {
		hdr := &tar.Header{
			Name:    m.name,
			Mode:    0644,
			ModTime: time.Unix(1700000000, 0),
			Format:  tar.FormatUSTAR,
		}
		switch m.kind {
		case structfile.KindDir:
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
		case structfile.KindLink:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = m.body
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(m.body))
		}

		if err := tw.Flush(); err != nil {
			t.Fatal(err)
		}
		offsets = append(offsets, buf.Len())
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", m.name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(m.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), offsets
}

func compress(t *testing.T, comp Compression, data []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	switch comp {
	case CompressionNone:
		return data
	case CompressionGzip:
		w := gzip.NewWriter(&out)
		w.Write(data)
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	case CompressionZstd:
		w, err := zstd.NewWriter(&out)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(data)
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	case CompressionLZ4:
		w := lz4.NewWriter(&out)
		w.Write(data)
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}
	return out.Bytes()
}

func buildZip(t *testing.T, members []member) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		fh := &zip.FileHeader{Name: m.name, Method: zip.Store, Modified: time.Unix(1700000000, 0)}
		if m.kind == structfile.KindLink {
			fh.SetMode(os.ModeSymlink | 0777)
		}
		w, err := zw.CreateHeader(fh)
		if err != nil {
			t.Fatalf("create %s: %v", m.name, err)
		}
		if m.kind != structfile.KindDir {
			if _, err := w.Write([]byte(m.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func describe(entries []structfile.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.String()
	}
	return out
}

func want(members []member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		size := len(m.body)
		if m.kind != structfile.KindFile {
			size = 0
		}
		out[i] = fmt.Sprintf("%s %s %d", m.kind, m.name, size)
	}
	return out
}

func readAll(t *testing.T, c *Cursor, max int) []structfile.Entry {
	t.Helper()
	var all []structfile.Entry
	for i := 0; i < 10000; i++ {
		batch, eos, err := c.NextBatch(max)
		if err != nil {
			t.Fatalf("NextBatch: %v", err)
		}
		if len(batch) > max {
			t.Fatalf("batch of %d exceeds max %d", len(batch), max)
		}
		all = append(all, batch...)
		if eos {
			return all
		}
	}
	t.Fatal("cursor never reached end of stream")
	return nil
}

func openCursor(t *testing.T, tag string, data []byte) *Cursor {
	t.Helper()
	c, err := DefaultRegistry().Open(tag, blob.Bytes(data))
	if err != nil {
		t.Fatalf("Open(%s): %v", tag, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestScenarioBatchesOfTwo(t *testing.T) {
	data, _ := buildTar(t, scenarioMembers())
	c := openCursor(t, "tar", data)

	batch, eos, err := c.NextBatch(2)
	if err != nil || eos {
		t.Fatalf("first batch: eos=%v err=%v", eos, err)
	}
	if got := describe(batch); len(got) != 2 || got[0] != "file a.txt 100" || got[1] != "dir sub/ 0" {
		t.Fatalf("first batch = %v", got)
	}

	batch, eos, err = c.NextBatch(2)
	if err != nil || !eos {
		t.Fatalf("second batch: eos=%v err=%v", eos, err)
	}
	if got := describe(batch); len(got) != 1 || got[0] != "file sub/b.txt 50" {
		t.Fatalf("second batch = %v", got)
	}

	for i := 0; i < 3; i++ {
		batch, eos, err = c.NextBatch(2)
		if err != nil || !eos || len(batch) != 0 {
			t.Fatalf("call after end: %d entries, eos=%v, err=%v", len(batch), eos, err)
		}
	}
}

func TestEveryFormatDecodesTheSameEntries(t *testing.T) {
	members := append(scenarioMembers(), member{name: "sub/link", kind: structfile.KindLink, body: "b.txt"})
	raw, _ := buildTar(t, members)

	archives := map[string][]byte{
		"tar":     raw,
		"tar.gz":  compress(t, CompressionGzip, raw),
		"tgz":     compress(t, CompressionGzip, raw),
		"tar.zst": compress(t, CompressionZstd, raw),
		"tar.lz4": compress(t, CompressionLZ4, raw),
		"zip":     buildZip(t, members),
	}

	expected := want(members)
	for tag, data := range archives {
		t.Run(tag, func(t *testing.T) {
			c := openCursor(t, tag, data)
			got := describe(readAll(t, c, 3))
			if strings.Join(got, "|") != strings.Join(expected, "|") {
				t.Errorf("entries = %v, want %v", got, expected)
			}
		})
	}
}

func TestSumOfBatchesEqualsFullDecode(t *testing.T) {
	members := manyMembers(37)
	raw, _ := buildTar(t, members)
	zipped := buildZip(t, members)
	expected := strings.Join(want(members), "|")

	for max := 1; max <= 40; max += 3 {
		for tag, data := range map[string][]byte{"tar": raw, "zip": zipped} {
			c := openCursor(t, tag, data)
			got := strings.Join(describe(readAll(t, c, max)), "|")
			if got != expected {
				t.Errorf("%s max=%d: concatenated batches differ from full decode", tag, max)
			}
			if c.Decoded() != uint64(len(members)) {
				t.Errorf("%s max=%d: decoded %d entries", tag, max, c.Decoded())
			}
		}
	}
}

func TestTarCorruptAfterKEntries(t *testing.T) {
	members := manyMembers(5)
	for k := 0; k < len(members); k++ {
		data, offsets := buildTar(t, members)
		for i := offsets[k]; i < offsets[k]+512; i++ {
			data[i] = 0xFF
		}

		c := openCursor(t, "tar", data)
		var got []structfile.Entry
		var lastErr error
		for {
			batch, eos, err := c.NextBatch(2)
			got = append(got, batch...)
			if err != nil {
				lastErr = err
			}
			if eos {
				break
			}
		}

		if len(got) != k {
			t.Errorf("k=%d: got %d valid entries", k, len(got))
		}
		if !errors.Is(lastErr, structfile.ErrContainerCorrupt) {
			t.Errorf("k=%d: expected ContainerCorrupt, got %v", k, lastErr)
		}
		if c.Err() == nil {
			t.Errorf("k=%d: cursor did not keep the decode fault", k)
		}

		batch, eos, err := c.NextBatch(2)
		if len(batch) != 0 || !eos || err != nil {
			t.Errorf("k=%d: call after fault returned %d entries, eos=%v, err=%v", k, len(batch), eos, err)
		}
	}
}

func TestZipCorruptAfterKEntries(t *testing.T) {
	members := manyMembers(4)
	sig := []byte("PK\x01\x02")
	for k := 0; k < len(members); k++ {
		data := buildZip(t, members)
		at := -1
		for i, seen := 0, 0; i < len(data); i++ {
			if bytes.HasPrefix(data[i:], sig) {
				if seen == k {
					at = i
					break
				}
				seen++
			}
		}
		if at < 0 {
			t.Fatalf("central header %d not found", k)
		}
		copy(data[at:], "XXXX")

		c := openCursor(t, "zip", data)
		batch, eos, err := c.NextBatch(10)
		if len(batch) != k || !eos {
			t.Errorf("k=%d: got %d entries, eos=%v", k, len(batch), eos)
		}
		if !errors.Is(err, structfile.ErrContainerCorrupt) {
			t.Errorf("k=%d: expected ContainerCorrupt, got %v", k, err)
		}
	}
}

func TestUnknownContainerType(t *testing.T) {
	_, err := DefaultRegistry().Open("unknown-format", blob.Bytes(nil))
	if !errors.Is(err, structfile.ErrUnsupportedContainerType) {
		t.Fatalf("expected UnsupportedContainerType, got %v", err)
	}
	if DefaultRegistry().Supports("unknown-format") {
		t.Error("Supports reported true for unknown tag")
	}
	if !DefaultRegistry().Supports("TAR.GZ") {
		t.Error("tags should be case-insensitive")
	}
}

func TestRegisterRejectsDuplicateTag(t *testing.T) {
	r := DefaultRegistry()
	if err := r.Register(NewZip()); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := r.Register(NewTar(CompressionNone), "ustar"); err == nil {
		t.Fatal("expected duplicate canonical tag to fail")
	}
}

func TestTarNamesAreNormalized(t *testing.T) {
	data, _ := buildTar(t, []member{
		{name: "./", kind: structfile.KindDir},
		{name: "./a.txt", kind: structfile.KindFile, body: "hi"},
		{name: "./sub", kind: structfile.KindDir},
	})
	got := describe(readAll(t, openCursor(t, "tar", data), 10))
	if strings.Join(got, "|") != "file a.txt 2|dir sub/ 0" {
		t.Errorf("entries = %v", got)
	}
}

func TestEscapingNameIsCorrupt(t *testing.T) {
	data, _ := buildTar(t, []member{
		{name: "ok.txt", kind: structfile.KindFile, body: "ok"},
		{name: "../evil", kind: structfile.KindFile, body: "x"},
		{name: "after.txt", kind: structfile.KindFile, body: "x"},
	})
	c := openCursor(t, "tar", data)
	batch, eos, err := c.NextBatch(10)
	if len(batch) != 1 || !eos || !errors.Is(err, structfile.ErrContainerCorrupt) {
		t.Fatalf("got %v eos=%v err=%v", describe(batch), eos, err)
	}
}

func TestTarLocatorPointsAtData(t *testing.T) {
	members := scenarioMembers()
	data, _ := buildTar(t, members)
	entries := readAll(t, openCursor(t, "tar", data), 10)

	for i, e := range entries {
		loc, err := ParseLocator(e.Locator())
		if err != nil {
			t.Fatalf("%s: %v", e.Name(), err)
		}
		if loc.Format != FormatTar || loc.Ordinal != uint64(i) {
			t.Errorf("%s: locator %+v", e.Name(), loc)
		}
		if e.Kind() == structfile.KindFile {
			body := string(data[loc.Offset : loc.Offset+e.Size()])
			if body != members[i].body {
				t.Errorf("%s: data at locator offset does not match", e.Name())
			}
		}
	}
}

func TestZipLinkAndEmptyArchive(t *testing.T) {
	entries := readAll(t, openCursor(t, "zip", buildZip(t, []member{
		{name: "target", kind: structfile.KindFile, body: "t"},
		{name: "alias", kind: structfile.KindLink, body: "target"},
	})), 10)
	if len(entries) != 2 || entries[1].Kind() != structfile.KindLink {
		t.Fatalf("entries = %v", describe(entries))
	}

	c := openCursor(t, "zip", buildZip(t, nil))
	batch, eos, err := c.NextBatch(5)
	if len(batch) != 0 || !eos || err != nil {
		t.Fatalf("empty zip: %d entries, eos=%v, err=%v", len(batch), eos, err)
	}
}

// toZip64 rewrites a small archive so that its end record points at the
// central directory through a zip64 end record.
func toZip64(t *testing.T, data []byte) []byte {
	t.Helper()
	eocdPos := len(data) - zipEOCDLen
	eocd := data[eocdPos:]
	if binary.LittleEndian.Uint32(eocd) != zipEOCDSig {
		t.Fatal("archive has a trailing comment")
	}
	entries := uint64(binary.LittleEndian.Uint16(eocd[10:]))
	cdSize := uint64(binary.LittleEndian.Uint32(eocd[12:]))
	cdOffset := uint64(binary.LittleEndian.Uint32(eocd[16:]))

	out := append([]byte(nil), data[:eocdPos]...)

	rec := make([]byte, zip64EOCDLen)
	binary.LittleEndian.PutUint32(rec, zip64EOCDSig)
	binary.LittleEndian.PutUint64(rec[4:], zip64EOCDLen-12)
	binary.LittleEndian.PutUint16(rec[12:], 45)
	binary.LittleEndian.PutUint16(rec[14:], 45)
	binary.LittleEndian.PutUint64(rec[24:], entries)
	binary.LittleEndian.PutUint64(rec[32:], entries)
	binary.LittleEndian.PutUint64(rec[40:], cdSize)
	binary.LittleEndian.PutUint64(rec[48:], cdOffset)
	out = append(out, rec...)

	loc := make([]byte, zip64LocatorLen)
	binary.LittleEndian.PutUint32(loc, zip64LocatorSig)
	binary.LittleEndian.PutUint64(loc[8:], uint64(eocdPos))
	binary.LittleEndian.PutUint32(loc[16:], 1)
	out = append(out, loc...)

	end := make([]byte, zipEOCDLen)
	binary.LittleEndian.PutUint32(end, zipEOCDSig)
	binary.LittleEndian.PutUint16(end[8:], 0xFFFF)
	binary.LittleEndian.PutUint16(end[10:], 0xFFFF)
	binary.LittleEndian.PutUint32(end[12:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(end[16:], 0xFFFFFFFF)
	return append(out, end...)
}

func TestZip64EndRecord(t *testing.T) {
	members := scenarioMembers()
	data := toZip64(t, buildZip(t, members))
	got := describe(readAll(t, openCursor(t, "zip", data), 2))
	if strings.Join(got, "|") != strings.Join(want(members), "|") {
		t.Errorf("entries = %v", got)
	}
}

func TestOpenRejectsNonArchive(t *testing.T) {
	_, err := DefaultRegistry().Open("zip", blob.Bytes([]byte("definitely not a zip archive")))
	if !errors.Is(err, structfile.ErrContainerCorrupt) {
		t.Errorf("zip: expected ContainerCorrupt, got %v", err)
	}
	_, err = DefaultRegistry().Open("tar.gz", blob.Bytes([]byte("plain text")))
	if !errors.Is(err, structfile.ErrContainerCorrupt) {
		t.Errorf("tar.gz: expected ContainerCorrupt, got %v", err)
	}
}

func TestNextBatchRejectsNonPositiveMax(t *testing.T) {
	data, _ := buildTar(t, scenarioMembers())
	c := openCursor(t, "tar", data)
	if _, _, err := c.NextBatch(0); !errors.Is(err, structfile.ErrInvalidRequest) {
		t.Errorf("expected InvalidRequest, got %v", err)
	}
	if got := readAll(t, c, 5); len(got) != 3 {
		t.Errorf("rejected call consumed entries: %d left", len(got))
	}
}

func TestLocatorRoundTrip(t *testing.T) {
	in := Locator{Format: FormatZip, Ordinal: 300, Offset: 1 << 40}
	out, err := ParseLocator(in.Bytes())
	if err != nil || out != in {
		t.Fatalf("round trip = %+v, %v", out, err)
	}
	if _, err := ParseLocator(append(in.Bytes(), 0)); err == nil {
		t.Error("trailing bytes accepted")
	}
	if _, err := ParseLocator([]byte{9, 0, 0}); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestNonUTF8NameIsCorrupt(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range []string{"ok.txt", "caf\xe9.txt", "after.txt"} {
		hdr := &tar.Header{Name: name, Mode: 0644, Typeflag: tar.TypeReg, Format: tar.FormatGNU}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %q: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	for _, max := range []int{1, 10} {
		c := openCursor(t, "tar", buf.Bytes())
		var got []structfile.Entry
		var lastErr error
		for i := 0; i < 10; i++ {
			batch, eos, err := c.NextBatch(max)
			got = append(got, batch...)
			if err != nil {
				lastErr = err
			}
			if eos {
				break
			}
		}
		if len(got) != 1 || got[0].Name() != "ok.txt" {
			t.Errorf("max=%d: got %v", max, describe(got))
		}
		if !errors.Is(lastErr, structfile.ErrContainerCorrupt) {
			t.Errorf("max=%d: expected ContainerCorrupt, got %v", max, lastErr)
		}
	}
}

// boundSource fails reads once its bound context is done.
type boundSource struct {
	blob.Bytes
	ctx context.Context
}

func (s *boundSource) BindContext(ctx context.Context) func() {
	s.ctx = ctx
	return func() { s.ctx = context.Background() }
}

func (s *boundSource) ReadAt(p []byte, off int64) (int, error) {
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	return s.Bytes.ReadAt(p, off)
}

func TestCancelledReadIsUnreachable(t *testing.T) {
	data, _ := buildTar(t, scenarioMembers())
	src := &boundSource{Bytes: data, ctx: context.Background()}
	c, err := DefaultRegistry().Open("tar", src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batch, eos, err := c.NextBatchContext(ctx, 10)
	if len(batch) != 0 || !eos {
		t.Errorf("got %d entries, eos=%v", len(batch), eos)
	}
	if !errors.Is(err, structfile.ErrResourceUnreachable) {
		t.Fatalf("expected ResourceUnreachable, got %v", err)
	}
	if src.ctx != context.Background() {
		t.Error("context still bound after the batch")
	}

	if batch, eos, err := c.NextBatchContext(context.Background(), 10); len(batch) != 0 || !eos || err != nil {
		t.Errorf("call after cancel returned %d entries, eos=%v, err=%v", len(batch), eos, err)
	}
}
